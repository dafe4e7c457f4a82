package controllers

import (
	"net/http"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/Cray-HPE/cfs-api/internal/store"
)

func motdConfiguration() map[string]store.Entry {
	return map[string]store.Entry{
		"motd": {
			"name": "motd",
			"layers": []any{
				map[string]any{
					"clone_url": "https://vcs.local/config.git",
					"playbook":  "site.yml",
					"commit":    "abc123",
				},
			},
		},
	}
}

func appliedLayer(status string) map[string]any {
	layer := map[string]any{
		"clone_url": "https://vcs.local/config.git",
		"playbook":  "site.yml",
		"commit":    "abc123",
	}
	if status != "" {
		layer["status"] = status
	}
	return layer
}

func TestComponentStatusDerivation(t *testing.T) {
	tests := []struct {
		name      string
		component store.Entry
		expected  string
	}{
		{
			name:      "no desired config",
			component: store.Entry{"id": "c1"},
			expected:  "config_deprecated",
		},
		{
			name: "layer applied",
			component: store.Entry{
				"id":             "c1",
				"desired_config": "motd",
				"state":          []any{appliedLayer("")},
			},
			expected: "configured",
		},
		{
			name: "layer not yet applied",
			component: store.Entry{
				"id":             "c1",
				"desired_config": "motd",
				"state":          []any{},
			},
			expected: "pending",
		},
		{
			name: "failed layer with retries left",
			component: store.Entry{
				"id":             "c1",
				"desired_config": "motd",
				"retry_policy":   3,
				"error_count":    1,
				"state":          []any{appliedLayer("failed")},
			},
			expected: "pending",
		},
		{
			name: "failed layer with retries exhausted",
			component: store.Entry{
				"id":             "c1",
				"desired_config": "motd",
				"error_count":    5,
				"state":          []any{appliedLayer("failed")},
			},
			expected: "failed",
		},
		{
			name: "unlimited retries never exhaust",
			component: store.Entry{
				"id":             "c1",
				"desired_config": "motd",
				"retry_policy":   -1,
				"error_count":    100,
				"state":          []any{appliedLayer("failed")},
			},
			expected: "pending",
		},
		{
			name: "incomplete layer",
			component: store.Entry{
				"id":             "c1",
				"desired_config": "motd",
				"state":          []any{appliedLayer("incomplete")},
			},
			expected: "pending",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := NewGomegaWithT(t)
			ts := newTestServer(t)
			ts.configurations.Seed(motdConfiguration())
			ts.components.Seed(map[string]store.Entry{"c1": test.component})

			var component store.Entry
			response := ts.do(t, http.MethodGet, "/v3/components/c1", nil, &component)
			g.Expect(response.Code).To(Equal(http.StatusOK))
			g.Expect(component["configuration_status"]).To(Equal(test.expected))
		})
	}
}

func TestComponentWithoutDesiredLayersIsUnconfigured(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	ts.configurations.Seed(map[string]store.Entry{"empty": {"name": "empty", "layers": []any{}}})
	ts.components.Seed(map[string]store.Entry{"c1": {"id": "c1", "desired_config": "empty"}})

	var component store.Entry
	response := ts.do(t, http.MethodGet, "/v3/components/c1", nil, &component)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	g.Expect(component["configuration_status"]).To(Equal("unconfigured"))
}

func TestComponentConfigDetails(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	ts.configurations.Seed(motdConfiguration())
	ts.components.Seed(map[string]store.Entry{
		"c1": {"id": "c1", "desired_config": "motd", "state": []any{appliedLayer("")}},
	})

	var component store.Entry
	response := ts.do(t, http.MethodGet, "/v3/components/c1?config_details=true", nil, &component)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	desired := store.SliceField(component, "desired_state")
	g.Expect(desired).To(HaveLen(1))
	layer, _ := store.AsMap(desired[0])
	g.Expect(layer["status"]).To(Equal("configured"))
	g.Expect(layer["commit"]).To(Equal("abc123"))
}

func TestComponentGetIncludesLogLink(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	ts.components.Seed(map[string]store.Entry{"c1": {"id": "c1"}})

	var component store.Entry
	ts.do(t, http.MethodGet, "/v3/components/c1", nil, &component)
	g.Expect(component["logs"]).To(Equal("https://ara.cfs.test/?label=c1"))
}

func TestComponentPutResetsErrorCount(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)

	var component store.Entry
	response := ts.do(t, http.MethodPut, "/v3/components/c1",
		store.Entry{"enabled": true, "desired_config": "motd"}, &component)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	g.Expect(component["id"]).To(Equal("c1"))
	g.Expect(store.IntField(component, "error_count", -1)).To(Equal(0))
}

func TestComponentStateAppendReplacesMatchingLayer(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	ts.components.Seed(map[string]store.Entry{"c1": {"id": "c1", "state": []any{}}})

	layer := store.Entry{
		"clone_url": "https://vcs.local/config.git",
		"playbook":  "site.yml",
		"commit":    "abc123",
	}
	var component store.Entry
	response := ts.do(t, http.MethodPatch, "/v3/components/c1",
		store.Entry{"state_append": layer}, &component)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	state := store.SliceField(component, "state")
	g.Expect(state).To(HaveLen(1))
	first, _ := store.AsMap(state[0])
	g.Expect(first["last_updated"]).NotTo(BeEmpty())

	// A second run of the same playbook replaces the layer.
	layer["commit"] = "def456"
	response = ts.do(t, http.MethodPatch, "/v3/components/c1",
		store.Entry{"state_append": layer}, &component)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	state = store.SliceField(component, "state")
	g.Expect(state).To(HaveLen(1))
	first, _ = store.AsMap(state[0])
	g.Expect(first["commit"]).To(Equal("def456"))
	g.Expect(component).NotTo(HaveKey("state_append"))
}

func TestComponentPatchDropsEmptyTags(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	ts.components.Seed(map[string]store.Entry{
		"c1": {"id": "c1", "tags": map[string]any{"keep": "yes", "drop": "old"}},
	})

	var component store.Entry
	response := ts.do(t, http.MethodPatch, "/v3/components/c1",
		store.Entry{"tags": map[string]any{"drop": "", "new": "value"}}, &component)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	tags := store.MapField(component, "tags")
	g.Expect(tags).To(Equal(store.Entry{"keep": "yes", "new": "value"}))
}

func TestComponentBulkPatchByFilter(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	ts.components.Seed(map[string]store.Entry{
		"c1": {"id": "c1", "enabled": false},
		"c2": {"id": "c2", "enabled": false},
		"c3": {"id": "c3", "enabled": true},
	})

	var result store.Entry
	response := ts.do(t, http.MethodPatch, "/v3/components",
		store.Entry{
			"patch":   store.Entry{"desired_config": "motd"},
			"filters": store.Entry{"enabled": false},
		}, &result)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	g.Expect(store.SliceField(result, "component_ids")).To(ConsistOf("c1", "c2"))

	component, err := ts.components.Get(t.Context(), "c1")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(component["desired_config"]).To(Equal("motd"))
	g.Expect(store.IntField(component, "error_count", -1)).To(Equal(0))
}

func TestComponentBulkPatchListRequiresExistingComponents(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	ts.components.Seed(map[string]store.Entry{"c1": {"id": "c1"}})

	response := ts.do(t, http.MethodPatch, "/v3/components",
		[]store.Entry{{"id": "c1", "enabled": true}, {"id": "missing", "enabled": true}}, nil)
	g.Expect(response.Code).To(Equal(http.StatusNotFound))

	// The failed batch must not be partially applied.
	component, err := ts.components.Get(t.Context(), "c1")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(component).NotTo(HaveKey("enabled"))
}

func TestComponentListPaging(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	ts.components.Seed(map[string]store.Entry{
		"c1": {"id": "c1"}, "c2": {"id": "c2"}, "c3": {"id": "c3"},
	})

	var page store.Entry
	response := ts.do(t, http.MethodGet, "/v3/components?limit=2", nil, &page)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	g.Expect(store.SliceField(page, "components")).To(HaveLen(2))
	next := store.MapField(page, "next")
	g.Expect(next).NotTo(BeNil())
	g.Expect(next["after_id"]).To(Equal("c2"))

	response = ts.do(t, http.MethodGet, "/v3/components?limit=2&after_id=c2", nil, &page)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	g.Expect(store.SliceField(page, "components")).To(HaveLen(1))
	g.Expect(page["next"]).To(BeNil())
}

func TestComponentListOmitsStateWithoutDetails(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	ts.components.Seed(map[string]store.Entry{
		"c1": {"id": "c1", "state": []any{appliedLayer("")}},
	})

	var page store.Entry
	ts.do(t, http.MethodGet, "/v3/components", nil, &page)
	entries := store.SliceField(page, "components")
	g.Expect(entries).To(HaveLen(1))
	component, _ := store.AsMap(entries[0])
	g.Expect(component).NotTo(HaveKey("state"))

	ts.do(t, http.MethodGet, "/v3/components?state_details=true", nil, &page)
	entries = store.SliceField(page, "components")
	component, _ = store.AsMap(entries[0])
	g.Expect(store.SliceField(component, "state")).To(HaveLen(1))
}

func TestComponentListStatusFilter(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	ts.configurations.Seed(motdConfiguration())
	ts.components.Seed(map[string]store.Entry{
		"c1": {"id": "c1", "desired_config": "motd", "state": []any{appliedLayer("")}},
		"c2": {"id": "c2", "desired_config": "motd", "state": []any{}},
	})

	var page store.Entry
	response := ts.do(t, http.MethodGet, "/v3/components?status=pending", nil, &page)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	entries := store.SliceField(page, "components")
	g.Expect(entries).To(HaveLen(1))
	component, _ := store.AsMap(entries[0])
	g.Expect(component["id"]).To(Equal("c2"))
}

func TestComponentsV2TooLarge(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	ts.optionsStore.Seed(map[string]store.Entry{"options": {"default_page_size": 2}})
	ts.components.Seed(map[string]store.Entry{
		"c1": {"id": "c1"}, "c2": {"id": "c2"}, "c3": {"id": "c3"},
	})

	var body store.Entry
	response := ts.do(t, http.MethodGet, "/v2/components", nil, &body)
	g.Expect(response.Code).To(Equal(http.StatusBadRequest))
	g.Expect(body["title"]).To(Equal("The response size is too large"))
}

func TestComponentV2FoldsLayerStatusIntoCommit(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	ts.components.Seed(map[string]store.Entry{
		"c1": {"id": "c1", "state": []any{appliedLayer("failed")}},
	})

	var component store.Entry
	response := ts.do(t, http.MethodGet, "/v2/components/c1", nil, &component)
	g.Expect(response.Code).To(Equal(http.StatusOK))
	state := store.SliceField(component, "state")
	g.Expect(state).To(HaveLen(1))
	layer, _ := store.AsMap(state[0])
	g.Expect(layer["commit"]).To(Equal("abc123_failed"))
	g.Expect(layer["cloneUrl"]).To(Equal("https://vcs.local/config.git"))
}

func TestComponentDelete(t *testing.T) {
	g := NewGomegaWithT(t)
	ts := newTestServer(t)
	ts.components.Seed(map[string]store.Entry{"c1": {"id": "c1"}})

	response := ts.do(t, http.MethodDelete, "/v3/components/c1", nil, nil)
	g.Expect(response.Code).To(Equal(http.StatusNoContent))

	response = ts.do(t, http.MethodDelete, "/v3/components/c1", nil, nil)
	g.Expect(response.Code).To(Equal(http.StatusNotFound))
}
