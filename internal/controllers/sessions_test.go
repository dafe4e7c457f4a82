package controllers

import (
	"net/http"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/Cray-HPE/cfs-api/internal/store"
)

func sessionRequest() store.Entry {
	return store.Entry{
		"name":          "update-motd",
		"configuration": map[string]any{"name": "motd"},
	}
}

func seedMotd(ts *testServer) {
	ts.configurations.Seed(map[string]store.Entry{"motd": {"name": "motd"}})
}

func TestSessionCreate(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	seedMotd(ts)

	var session store.Entry
	response := ts.do(t, http.MethodPost, "/v3/sessions", sessionRequest(), &session)
	g.Expect(response.Code).To(Equal(http.StatusCreated))

	status := store.MapField(store.MapField(session, "status"), "session")
	g.Expect(status["status"]).To(Equal("pending"))
	g.Expect(status["succeeded"]).To(Equal("none"))
	g.Expect(status["start_time"]).NotTo(BeEmpty())
	g.Expect(store.SliceField(store.MapField(session, "status"), "artifacts")).To(BeEmpty())

	target := store.MapField(session, "target")
	g.Expect(target["definition"]).To(Equal("dynamic"))
	ansible := store.MapField(session, "ansible")
	g.Expect(ansible["config"]).To(Equal("cfs-default-ansible-cfg"))

	g.Expect(ts.events.Types()).To(Equal([]string{"CREATE"}))
}

func TestSessionCreateConflict(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	seedMotd(ts)

	response := ts.do(t, http.MethodPost, "/v3/sessions", sessionRequest(), nil)
	g.Expect(response.Code).To(Equal(http.StatusCreated))
	response = ts.do(t, http.MethodPost, "/v3/sessions", sessionRequest(), nil)
	g.Expect(response.Code).To(Equal(http.StatusConflict))
}

func TestSessionCreateUnknownConfiguration(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)

	response := ts.do(t, http.MethodPost, "/v3/sessions", sessionRequest(), nil)
	g.Expect(response.Code).To(Equal(http.StatusBadRequest))

	// Sessions against debug_ configurations skip the existence check.
	request := sessionRequest()
	request["configuration"] = map[string]any{"name": "debug_adhoc"}
	response = ts.do(t, http.MethodPost, "/v3/sessions", request, nil)
	g.Expect(response.Code).To(Equal(http.StatusCreated))
}

func TestSessionCreateTargetValidation(t *testing.T) {
	tests := []struct {
		name   string
		target map[string]any
		code   int
	}{
		{
			name:   "dynamic with groups",
			target: map[string]any{"definition": "dynamic", "groups": []any{map[string]any{"name": "g", "members": []any{"m"}}}},
			code:   http.StatusBadRequest,
		},
		{
			name:   "spec without groups",
			target: map[string]any{"definition": "spec"},
			code:   http.StatusBadRequest,
		},
		{
			name:   "group with blank member",
			target: map[string]any{"definition": "spec", "groups": []any{map[string]any{"name": "g", "members": []any{" "}}}},
			code:   http.StatusBadRequest,
		},
		{
			name:   "image member must be an image id",
			target: map[string]any{"definition": "image", "groups": []any{map[string]any{"name": "g", "members": []any{"not-a-uuid"}}}},
			code:   http.StatusBadRequest,
		},
		{
			name:   "image target with image id",
			target: map[string]any{"definition": "image", "groups": []any{map[string]any{"name": "g", "members": []any{"0b5050b8-2760-47ad-9612-94dcf1969be8"}}}},
			code:   http.StatusCreated,
		},
		{
			name:   "spec target with members",
			target: map[string]any{"definition": "spec", "groups": []any{map[string]any{"name": "g", "members": []any{"x3000c0s1b0n0"}}}},
			code:   http.StatusCreated,
		},
		{
			name:   "unknown definition",
			target: map[string]any{"definition": "cluster"},
			code:   http.StatusBadRequest,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := NewGomegaWithT(t)
			ts := newTestServer(t)
			seedMotd(ts)

			request := sessionRequest()
			request["target"] = test.target
			response := ts.do(t, http.MethodPost, "/v3/sessions", request, nil)
			g.Expect(response.Code).To(Equal(test.code))
		})
	}
}

func TestSessionCreatePassthroughValidation(t *testing.T) {
	tests := []struct {
		name        string
		passthrough string
		code        int
	}{
		{name: "allowed flags", passthrough: "-f 10 --tags install", code: http.StatusCreated},
		{name: "forbidden flag", passthrough: "--become", code: http.StatusBadRequest},
		{name: "forks must be an integer", passthrough: "--forks lots", code: http.StatusBadRequest},
		{name: "missing value", passthrough: "--tags", code: http.StatusBadRequest},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := NewGomegaWithT(t)
			ts := newTestServer(t)
			seedMotd(ts)

			request := sessionRequest()
			request["ansible"] = map[string]any{"passthrough": test.passthrough}
			response := ts.do(t, http.MethodPost, "/v3/sessions", request, nil)
			g.Expect(response.Code).To(Equal(test.code))
		})
	}
}

func TestSessionPatchStatusOnly(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	seedMotd(ts)
	ts.do(t, http.MethodPost, "/v3/sessions", sessionRequest(), nil)

	response := ts.do(t, http.MethodPatch, "/v3/sessions/update-motd",
		store.Entry{"ansible": map[string]any{"verbosity": 2}}, nil)
	g.Expect(response.Code).To(Equal(http.StatusBadRequest))
}

func TestSessionStatusMerge(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	seedMotd(ts)
	ts.do(t, http.MethodPost, "/v3/sessions", sessionRequest(), nil)

	patch := func(status store.Entry) store.Entry {
		var session store.Entry
		response := ts.do(t, http.MethodPatch, "/v3/sessions/update-motd",
			store.Entry{"status": status}, &session)
		g.Expect(response.Code).To(Equal(http.StatusOK))
		return session
	}

	session := patch(store.Entry{"session": map[string]any{"status": "complete", "succeeded": "true"}})
	status := store.MapField(store.MapField(session, "status"), "session")
	g.Expect(status["status"]).To(Equal("complete"))
	g.Expect(status["succeeded"]).To(Equal("true"))

	// A late report from the job cannot move the session backwards.
	session = patch(store.Entry{"session": map[string]any{"status": "running", "succeeded": "unknown"}})
	status = store.MapField(store.MapField(session, "status"), "session")
	g.Expect(status["status"]).To(Equal("complete"))
	g.Expect(status["succeeded"]).To(Equal("true"))
}

func TestSessionArtifactsDeduplicate(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	seedMotd(ts)
	ts.do(t, http.MethodPost, "/v3/sessions", sessionRequest(), nil)

	artifact := map[string]any{
		"image_id":  "0b5050b8-2760-47ad-9612-94dcf1969be8",
		"result_id": "8f2bc514-0a9e-4d41-a252-ecc5af51bc9f",
		"type":      "ims_customized_image",
	}
	var session store.Entry
	ts.do(t, http.MethodPatch, "/v3/sessions/update-motd",
		store.Entry{"status": map[string]any{"artifacts": []any{artifact}}}, &session)
	ts.do(t, http.MethodPatch, "/v3/sessions/update-motd",
		store.Entry{"status": map[string]any{"artifacts": []any{artifact}}}, &session)

	g.Expect(store.SliceField(store.MapField(session, "status"), "artifacts")).To(HaveLen(1))
}

func TestSessionArtifactsDeduplicatePartialReport(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	seedMotd(ts)
	ts.do(t, http.MethodPost, "/v3/sessions", sessionRequest(), nil)

	full := map[string]any{
		"image_id": "0b5050b8-2760-47ad-9612-94dcf1969be8",
		"type":     "ims_customized_image",
	}
	var session store.Entry
	ts.do(t, http.MethodPatch, "/v3/sessions/update-motd",
		store.Entry{"status": map[string]any{"artifacts": []any{full}}}, &session)

	// A reporter re-posting only the image id still refers to the same
	// artifact.
	partial := map[string]any{"image_id": "0b5050b8-2760-47ad-9612-94dcf1969be8"}
	ts.do(t, http.MethodPatch, "/v3/sessions/update-motd",
		store.Entry{"status": map[string]any{"artifacts": []any{partial}}}, &session)

	artifacts := store.SliceField(store.MapField(session, "status"), "artifacts")
	g.Expect(artifacts).To(HaveLen(1))
	g.Expect(artifacts[0]).To(HaveKeyWithValue("type", "ims_customized_image"))
}

func TestSessionStatusKeepsNonStringFields(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	seedMotd(ts)
	ts.do(t, http.MethodPost, "/v3/sessions", sessionRequest(), nil)

	var session store.Entry
	response := ts.do(t, http.MethodPatch, "/v3/sessions/update-motd",
		store.Entry{"status": map[string]any{"session": map[string]any{"ims_job_number": 42}}}, &session)
	g.Expect(response.Code).To(Equal(http.StatusOK))

	status := store.MapField(store.MapField(session, "status"), "session")
	g.Expect(status).To(HaveKeyWithValue("ims_job_number", BeEquivalentTo(42)))
	g.Expect(status["status"]).To(Equal("pending"))
}

func TestSessionStatusIgnoresUnknownOrderingValues(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	seedMotd(ts)
	ts.do(t, http.MethodPost, "/v3/sessions", sessionRequest(), nil)

	var session store.Entry
	response := ts.do(t, http.MethodPatch, "/v3/sessions/update-motd",
		store.Entry{"status": map[string]any{"session": map[string]any{"status": "paused", "succeeded": "maybe"}}}, &session)
	g.Expect(response.Code).To(Equal(http.StatusOK))

	status := store.MapField(store.MapField(session, "status"), "session")
	g.Expect(status["status"]).To(Equal("pending"))
	g.Expect(status["succeeded"]).To(Equal("none"))
}

func TestSessionDeleteEmitsEvent(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	seedMotd(ts)
	ts.do(t, http.MethodPost, "/v3/sessions", sessionRequest(), nil)

	response := ts.do(t, http.MethodDelete, "/v3/sessions/update-motd", nil, nil)
	g.Expect(response.Code).To(Equal(http.StatusNoContent))
	g.Expect(ts.events.Types()).To(Equal([]string{"CREATE", "DELETE"}))

	response = ts.do(t, http.MethodDelete, "/v3/sessions/update-motd", nil, nil)
	g.Expect(response.Code).To(Equal(http.StatusNotFound))
}

func TestSessionBulkDelete(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	started := time.Now().UTC().Add(-48 * time.Hour).Format(timeFormat)
	recent := time.Now().UTC().Format(timeFormat)
	ts.sessions.Seed(map[string]store.Entry{
		"old-complete": {
			"name": "old-complete",
			"status": map[string]any{
				"session": map[string]any{"status": "complete", "start_time": started},
			},
		},
		"fresh-running": {
			"name": "fresh-running",
			"status": map[string]any{
				"session": map[string]any{"status": "running", "start_time": recent},
			},
		},
	})

	var result store.Entry
	response := ts.do(t, http.MethodDelete, "/v3/sessions?min_age=1d", nil, &result)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	g.Expect(store.SliceField(result, "session_ids")).To(ConsistOf("old-complete"))
	g.Expect(ts.events.Types()).To(Equal([]string{"DELETE"}))
	g.Expect(ts.sessions.Len()).To(Equal(1))
}

func TestSessionListFilters(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	started := time.Now().UTC().Format(timeFormat)
	ts.sessions.Seed(map[string]store.Entry{
		"motd-1": {
			"name": "motd-1",
			"tags": map[string]any{"team": "blue"},
			"status": map[string]any{
				"session": map[string]any{"status": "complete", "succeeded": "true", "start_time": started},
			},
		},
		"ncn-1": {
			"name": "ncn-1",
			"status": map[string]any{
				"session": map[string]any{"status": "running", "succeeded": "none", "start_time": started},
			},
		},
	})

	var page store.Entry
	response := ts.do(t, http.MethodGet, "/v3/sessions?status=complete&succeeded=true", nil, &page)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	entries := store.SliceField(page, "sessions")
	g.Expect(entries).To(HaveLen(1))
	session, _ := store.AsMap(entries[0])
	g.Expect(session["name"]).To(Equal("motd-1"))
	g.Expect(session["logs"]).To(Equal("https://ara.cfs.test/?label=motd-1"))

	response = ts.do(t, http.MethodGet, "/v3/sessions?name_contains=ncn", nil, &page)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	g.Expect(store.SliceField(page, "sessions")).To(HaveLen(1))

	response = ts.do(t, http.MethodGet, "/v3/sessions?tags=team=blue", nil, &page)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	g.Expect(store.SliceField(page, "sessions")).To(HaveLen(1))

	response = ts.do(t, http.MethodGet, "/v3/sessions?age=bogus", nil, &page)
	g.Expect(response.Code).To(Equal(http.StatusBadRequest))
}

func TestParseAge(t *testing.T) {
	tests := []struct {
		raw      string
		expected time.Duration
		wantErr  bool
	}{
		{raw: "3d", expected: 72 * time.Hour},
		{raw: "2 weeks", expected: 14 * 24 * time.Hour},
		{raw: "90 minutes", expected: 90 * time.Minute},
		{raw: "12H", expected: 12 * time.Hour},
		{raw: "soon", wantErr: true},
		{raw: "5", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.raw, func(t *testing.T) {
			g := NewGomegaWithT(t)
			age, err := parseAge(test.raw)
			if test.wantErr {
				g.Expect(err).To(HaveOccurred())
				return
			}
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(age).To(Equal(test.expected))
		})
	}
}

func TestSessionCreateV2ReturnsFlattenedShape(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	seedMotd(ts)

	var session store.Entry
	response := ts.do(t, http.MethodPost, "/v2/sessions", store.Entry{
		"name":              "update-motd",
		"configurationName": "motd",
		"ansibleLimit":      "x3000c0s1b0n0",
	}, &session)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	g.Expect(store.MapField(session, "configuration")["name"]).To(Equal("motd"))
	g.Expect(store.MapField(session, "ansible")["limit"]).To(Equal("x3000c0s1b0n0"))

	stored, err := ts.sessions.Get(t.Context(), "update-motd")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(store.MapField(stored, "configuration")["name"]).To(Equal("motd"))
	g.Expect(store.MapField(stored, "ansible")["limit"]).To(Equal("x3000c0s1b0n0"))
}
