package controllers

import (
	"net/http"
	"net/url"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/Cray-HPE/cfs-api/internal/store"
)

func sourceRequest() store.Entry {
	return store.Entry{
		"clone_url": "https://vcs.external/org/config.git",
		"credentials": map[string]any{
			"username": "external",
			"password": "s3cret",
		},
	}
}

func TestSourceCreateScrubsCredentials(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)

	var source store.Entry
	response := ts.do(t, http.MethodPost, "/v3/sources", sourceRequest(), &source)
	g.Expect(response.Code).To(Equal(http.StatusCreated))

	// The name defaults to the clone URL and the credentials are replaced by
	// a secret reference.
	g.Expect(source["name"]).To(Equal("https://vcs.external/org/config.git"))
	credentials := store.MapField(source, "credentials")
	g.Expect(credentials["authentication_method"]).To(Equal("password"))
	secretName := store.StringField(credentials, "secret_name")
	g.Expect(secretName).To(HavePrefix("cfs-source-credentials-"))
	g.Expect(credentials).NotTo(HaveKey("username"))
	g.Expect(credentials).NotTo(HaveKey("password"))

	g.Expect(ts.secrets.Secrets).To(HaveKey(secretName))
	g.Expect(ts.secrets.Secrets[secretName]).To(Equal(map[string]string{
		"username": "external",
		"password": "s3cret",
	}))
}

func TestSourceCreateValidation(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)

	response := ts.do(t, http.MethodPost, "/v3/sources",
		store.Entry{"credentials": map[string]any{"username": "u", "password": "p"}}, nil)
	g.Expect(response.Code).To(Equal(http.StatusBadRequest))

	response = ts.do(t, http.MethodPost, "/v3/sources",
		store.Entry{"clone_url": "https://vcs.external/org/config.git"}, nil)
	g.Expect(response.Code).To(Equal(http.StatusBadRequest))
}

func TestSourceCreateConflict(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)

	response := ts.do(t, http.MethodPost, "/v3/sources", sourceRequest(), nil)
	g.Expect(response.Code).To(Equal(http.StatusCreated))
	response = ts.do(t, http.MethodPost, "/v3/sources", sourceRequest(), nil)
	g.Expect(response.Code).To(Equal(http.StatusConflict))
}

func TestSourceGetWithEncodedName(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/v3/sources", sourceRequest(), nil)

	encoded := url.PathEscape("https://vcs.external/org/config.git")
	var source store.Entry
	response := ts.do(t, http.MethodGet, "/v3/sources/"+encoded, nil, &source)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	g.Expect(source["name"]).To(Equal("https://vcs.external/org/config.git"))
}

func TestSourcePatchRotatesCredentials(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	var created store.Entry
	ts.do(t, http.MethodPost, "/v3/sources", sourceRequest(), &created)
	secretName := store.StringField(store.MapField(created, "credentials"), "secret_name")

	encoded := url.PathEscape("https://vcs.external/org/config.git")
	var source store.Entry
	response := ts.do(t, http.MethodPatch, "/v3/sources/"+encoded, store.Entry{
		"credentials": map[string]any{"username": "external", "password": "rotated"},
	}, &source)
	g.Expect(response.Code).To(Equal(http.StatusOK))

	// The secret is rewritten in place and stays scrubbed in the record.
	credentials := store.MapField(source, "credentials")
	g.Expect(credentials["secret_name"]).To(Equal(secretName))
	g.Expect(credentials).NotTo(HaveKey("password"))
	g.Expect(ts.secrets.Secrets[secretName]["password"]).To(Equal("rotated"))
}

func TestSourceDeleteRemovesSecret(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	var created store.Entry
	ts.do(t, http.MethodPost, "/v3/sources", sourceRequest(), &created)
	secretName := store.StringField(store.MapField(created, "credentials"), "secret_name")

	encoded := url.PathEscape("https://vcs.external/org/config.git")
	response := ts.do(t, http.MethodDelete, "/v3/sources/"+encoded, nil, nil)
	g.Expect(response.Code).To(Equal(http.StatusNoContent))
	g.Expect(ts.secrets.Secrets).NotTo(HaveKey(secretName))

	response = ts.do(t, http.MethodDelete, "/v3/sources/"+encoded, nil, nil)
	g.Expect(response.Code).To(Equal(http.StatusNotFound))
}

func TestSourceDeleteInUse(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	request := sourceRequest()
	request["name"] = "config-source"
	ts.do(t, http.MethodPost, "/v3/sources", request, nil)
	ts.configurations.Seed(map[string]store.Entry{
		"motd": {
			"name": "motd",
			"layers": []any{
				map[string]any{"source": "config-source", "commit": "abc123", "playbook": "site.yml"},
			},
		},
	})

	response := ts.do(t, http.MethodDelete, "/v3/sources/config-source", nil, nil)
	g.Expect(response.Code).To(Equal(http.StatusBadRequest))
}

func TestSourceInUseOption(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	request := sourceRequest()
	request["name"] = "inventory-source"
	ts.do(t, http.MethodPost, "/v3/sources", request, nil)
	ts.do(t, http.MethodPatch, "/v3/options",
		store.Entry{"additional_inventory_source": "inventory-source"}, nil)

	response := ts.do(t, http.MethodDelete, "/v3/sources/inventory-source", nil, nil)
	g.Expect(response.Code).To(Equal(http.StatusBadRequest))

	var page store.Entry
	response = ts.do(t, http.MethodGet, "/v3/sources?in_use=true", nil, &page)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	entries := store.SliceField(page, "sources")
	g.Expect(entries).To(HaveLen(1))
}
