package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"go.uber.org/zap"

	"github.com/Cray-HPE/cfs-api/internal/events"
	"github.com/Cray-HPE/cfs-api/internal/options"
	"github.com/Cray-HPE/cfs-api/internal/secrets"
	"github.com/Cray-HPE/cfs-api/internal/store"
	"github.com/Cray-HPE/cfs-api/internal/store/storetest"
	"github.com/Cray-HPE/cfs-api/internal/tenancy"
	"github.com/Cray-HPE/cfs-api/internal/vcs"
)

// fakeResolver resolves branches from a fixed table.
type fakeResolver struct {
	commits map[string]string
	calls   []string
}

func (r *fakeResolver) ResolveBranch(ctx context.Context, cloneURL, branch string, source store.Entry) (string, error) {
	key := cloneURL + "@" + branch
	r.calls = append(r.calls, key)
	commit, ok := r.commits[key]
	if !ok {
		return "", &vcs.BranchError{CloneURL: cloneURL, Branch: branch, Err: fmt.Errorf("unknown branch")}
	}
	return commit, nil
}

type testServer struct {
	*Server
	handler http.Handler

	components     *storetest.Store
	configurations *storetest.Store
	sessions       *storetest.Store
	sources        *storetest.Store
	optionsStore   *storetest.Store

	events   *events.Recorder
	secrets  *secrets.Fake
	resolver *fakeResolver
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		components:     storetest.New("components"),
		configurations: storetest.New("configurations"),
		sessions:       storetest.New("sessions"),
		sources:        storetest.New("sources"),
		optionsStore:   storetest.New("options"),
		events:         events.NewRecorder(),
		secrets:        secrets.NewFake(),
		resolver:       &fakeResolver{commits: map[string]string{}},
	}
	cache := options.NewCache(ts.optionsStore, zap.NewAtomicLevel(), logr.Discard())
	ts.Server = New(Config{
		Components:     ts.components,
		Configurations: ts.configurations,
		Sessions:       ts.sessions,
		Sources:        ts.sources,
		OptionsStore:   ts.optionsStore,
		Options:        cache,
		Resolver:       ts.resolver,
		Secrets:        ts.secrets,
		Events:         ts.events,
		ARAURL:         func(context.Context) string { return "https://ara.cfs.test" },
		Logger:         logr.Discard(),
	})
	ts.handler = ts.Handler()
	return ts
}

// do runs one request through the full handler chain and decodes the JSON
// response body into out when out is non-nil.
func (ts *testServer) do(t *testing.T, method, target string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doWithTenant(t, method, target, body, "", out)
}

func (ts *testServer) doWithTenant(t *testing.T, method, target string, body any, tenant string, out any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	if tenant != "" {
		request.Header.Set(tenancy.Header, tenant)
	}
	recorder := httptest.NewRecorder()
	ts.handler.ServeHTTP(recorder, request)
	if out != nil && recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
			t.Fatalf("decoding response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder
}
