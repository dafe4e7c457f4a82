package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Cray-HPE/cfs-api/internal/options"
	"github.com/Cray-HPE/cfs-api/internal/store"
	"github.com/Cray-HPE/cfs-api/internal/xlate"
)

// Component configuration status, ordered worst first. The combined verdict
// over a configuration's layers is the minimum.
const (
	statusUnconfigured = iota
	statusFailed
	statusPending
	statusConfigured
	statusDeprecated
)

var statusNames = map[int]string{
	statusUnconfigured: "unconfigured",
	statusFailed:       "failed",
	statusPending:      "pending",
	statusConfigured:   "configured",
	statusDeprecated:   "config_deprecated",
}

// configCache memoises configuration lookups within one request.
type configCache struct {
	store   store.Store
	configs map[string]store.Entry
}

func (s *Server) newConfigCache() *configCache {
	return &configCache{store: s.configurations, configs: map[string]store.Entry{}}
}

func (c *configCache) get(ctx context.Context, name string) store.Entry {
	if entry, ok := c.configs[name]; ok {
		return entry
	}
	entry, err := c.store.Get(ctx, name)
	if err != nil {
		entry = nil
	}
	c.configs[name] = entry
	return entry
}

// setComponentStatus derives configuration_status and writes it onto the
// component. The field is derived on every read and never authoritative in
// storage. With configDetails the desired configuration's layers, annotated
// with their per-layer status, replace desired_state in the response.
func (s *Server) setComponentStatus(ctx context.Context, component store.Entry, snapshot *options.Snapshot, configs *configCache, configDetails bool) store.Entry {
	if _, ok := component["desired_config"]; !ok {
		component["configuration_status"] = statusNames[statusDeprecated]
		return component
	}
	component["configuration_status"] = statusNames[s.deriveStatus(ctx, component, snapshot, configs, configDetails)]
	return component
}

// deriveStatus implements the status algorithm. A component with no desired
// configuration is configured iff it has any state. Otherwise every layer of
// the desired configuration is scored against the applied state and the
// worst verdict wins; exhausted retries turn pending into failed so manual
// session failures outside the layer set surface too.
func (s *Server) deriveStatus(ctx context.Context, component store.Entry, snapshot *options.Snapshot, configs *configCache, configDetails bool) int {
	retries := store.IntField(component, "retry_policy", snapshot.DefaultBatcherRetryPolicy())
	maxRetries := retries != -1 && store.IntField(component, "error_count", 0) >= retries

	currentState := currentStateLayers(component)
	desired := configs.get(ctx, store.StringField(component, "desired_config"))

	if configDetails {
		component["desired_state"] = []any{}
	}
	desiredLayers := store.SliceField(desired, "layers")
	if len(desiredLayers) == 0 {
		if len(currentState) == 0 {
			return statusUnconfigured
		}
		return statusConfigured
	}

	annotated := make([]any, 0, len(desiredLayers))
	status := statusConfigured
	for _, item := range desiredLayers {
		layer, _ := store.AsMap(item)
		layerStatus := s.layerStatus(layer, currentState, maxRetries, snapshot)
		status = min(status, layerStatus)
		layerCopy := store.CopyEntry(layer)
		layerCopy["status"] = statusNames[layerStatus]
		annotated = append(annotated, layerCopy)
	}
	if status == statusPending && maxRetries {
		status = statusFailed
	}
	if configDetails {
		component["desired_state"] = annotated
	}
	return status
}

// layerStatus scores one desired layer against the applied state.
func (s *Server) layerStatus(desired store.Entry, currentState []store.Entry, maxRetries bool, snapshot *options.Snapshot) int {
	cloneURL := store.StringField(desired, "clone_url")
	playbook := store.StringField(desired, "playbook")
	if playbook == "" {
		playbook = snapshot.DefaultPlaybook()
	}
	commit := store.StringField(desired, "commit")
	if cloneURL == "" || playbook == "" || commit == "" {
		return statusUnconfigured
	}
	for _, current := range currentState {
		if store.StringField(current, "clone_url") != cloneURL ||
			store.StringField(current, "playbook") != playbook ||
			store.StringField(current, "commit") != commit {
			continue
		}
		switch store.StringField(current, "status") {
		case "failed":
			if maxRetries {
				return statusFailed
			}
			return statusPending
		case "incomplete":
			return statusPending
		default:
			return statusConfigured
		}
	}
	return statusPending
}

// currentStateLayers normalises state into a list of layers; a bare object
// from older records counts as a one-element list.
func currentStateLayers(component store.Entry) []store.Entry {
	if layer := store.MapField(component, "state"); layer != nil {
		return []store.Entry{layer}
	}
	items := store.SliceField(component, "state")
	layers := make([]store.Entry, 0, len(items))
	for _, item := range items {
		if layer, ok := store.AsMap(item); ok {
			layers = append(layers, layer)
		}
	}
	return layers
}

// componentAutoFields stamps timestamps and resets the error counter when a
// write touches the desired configuration or clears the state.
func (s *Server) componentAutoFields(data store.Entry) store.Entry {
	ts := s.timestamp()
	for _, item := range store.SliceField(data, "state") {
		if layer, ok := store.AsMap(item); ok {
			if _, ok := layer["last_updated"]; !ok {
				layer["last_updated"] = ts
			}
		}
	}
	if desired := store.MapField(data, "desired_state"); desired != nil {
		desired["last_updated"] = ts
	}
	_, hasDesiredState := data["desired_state"]
	_, hasDesiredConfig := data["desired_config"]
	stateCleared := false
	if state, ok := data["state"].([]any); ok && len(state) == 0 {
		stateCleared = true
	}
	if hasDesiredState || hasDesiredConfig || stateCleared {
		if _, ok := data["error_count"]; !ok {
			data["error_count"] = 0
		}
	}
	return data
}

// componentUpdateHandler post-processes a patched component: state_append is
// folded into state and empty tags are dropped.
func (s *Server) componentUpdateHandler(data store.Entry) store.Entry {
	data = s.stateAppendHandler(data)
	return tagCleanupHandler(data)
}

// stateAppendHandler replaces any state entry sharing the appended layer's
// (clone_url, playbook) and appends the new layer at the end. The transient
// state_append field never persists.
func (s *Server) stateAppendHandler(data store.Entry) store.Entry {
	appended := store.MapField(data, "state_append")
	if appended == nil {
		return data
	}
	if _, ok := appended["last_updated"]; !ok {
		appended["last_updated"] = s.timestamp()
	}
	cloneURL := store.StringField(appended, "clone_url")
	playbook := store.StringField(appended, "playbook")
	newState := []any{}
	for _, item := range store.SliceField(data, "state") {
		layer, ok := store.AsMap(item)
		if ok && store.StringField(layer, "clone_url") == cloneURL &&
			store.StringField(layer, "playbook") == playbook {
			continue
		}
		newState = append(newState, item)
	}
	data["state"] = append(newState, appended)
	delete(data, "state_append")
	return data
}

func tagCleanupHandler(data store.Entry) store.Entry {
	tags := store.MapField(data, "tags")
	for key, value := range tags {
		if value == "" {
			delete(tags, key)
		}
	}
	return data
}

// componentListParams are the component list and bulk-filter parameters.
type componentListParams struct {
	ids        []string
	statuses   []string
	enabled    *bool
	configName string
	tags       map[string]string
}

func parseComponentListParams(r *http.Request) (componentListParams, error) {
	params := componentListParams{}
	query := r.URL.Query()
	if ids := query.Get("ids"); ids != "" {
		params.ids = strings.Split(ids, ",")
	}
	if status := query.Get("status"); status != "" {
		params.statuses = strings.Split(status, ",")
	}
	if enabled := query.Get("enabled"); enabled != "" {
		value, err := strconv.ParseBool(enabled)
		if err != nil {
			return params, fmt.Errorf("error parsing the enabled filter: %v", err)
		}
		params.enabled = &value
	}
	params.configName = query.Get("config_name")
	tags, err := parseTagPairs(query.Get("tags"))
	if err != nil {
		return params, err
	}
	params.tags = tags
	return params, nil
}

// parseTagPairs parses a comma-separated k=v list.
func parseTagPairs(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	tags := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("error parsing the tags provided: %q is not of the form key=value", pair)
		}
		tags[key] = value
	}
	return tags, nil
}

// componentFieldFilter matches the raw record fields (everything except the
// derived status).
func componentFieldFilter(params componentListParams) store.Filter {
	return func(entry store.Entry) bool {
		if params.enabled != nil {
			enabled, _ := store.AsBool(entry["enabled"])
			if enabled != *params.enabled {
				return false
			}
		}
		if params.configName != "" && store.StringField(entry, "desired_config") != params.configName {
			return false
		}
		tags := store.MapField(entry, "tags")
		for key, value := range params.tags {
			if actual, _ := store.AsString(tags[key]); actual != value {
				return false
			}
		}
		return true
	}
}

// statusAnnotateFilter always passes; it derives and stores the
// configuration status on each scanned entry so the page carries it.
func (s *Server) statusAnnotateFilter(ctx context.Context, snapshot *options.Snapshot, configs *configCache, configDetails bool) store.Filter {
	return func(entry store.Entry) bool {
		s.setComponentStatus(ctx, entry, snapshot, configs, configDetails)
		return true
	}
}

func statusMatchFilter(statuses []string) store.Filter {
	return func(entry store.Entry) bool {
		actual := store.StringField(entry, "configuration_status")
		for _, status := range statuses {
			if actual == status {
				return true
			}
		}
		return false
	}
}

func (s *Server) componentFilters(ctx context.Context, params componentListParams, snapshot *options.Snapshot, configs *configCache, configDetails bool) []store.Filter {
	filters := []store.Filter{
		componentFieldFilter(params),
		s.statusAnnotateFilter(ctx, snapshot, configs, configDetails),
	}
	if len(params.statuses) > 0 {
		filters = append(filters, statusMatchFilter(params.statuses))
	}
	return filters
}

// setComponentLink attaches the ARA log link when the option is on.
func (s *Server) setComponentLink(ctx context.Context, component store.Entry) store.Entry {
	if !s.opts.Current().IncludeARALinks() {
		return component
	}
	if ara := s.araURL(ctx); ara != "" {
		component["logs"] = fmt.Sprintf("%s/?label=%s", ara, store.StringField(component, "id"))
	}
	return component
}

// ---- v3 handlers ----

func (s *Server) getComponentsV3(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params, err := parseComponentListParams(r)
	if err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the filters provided.", err.Error())
		return
	}
	query, err := s.pageParams(r)
	if err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the parameters provided.", err.Error())
		return
	}
	configDetails, _ := strconv.ParseBool(r.URL.Query().Get("config_details"))
	stateDetails, _ := strconv.ParseBool(r.URL.Query().Get("state_details"))
	snapshot := s.opts.Current()
	configs := s.newConfigCache()

	var page store.Page
	if len(params.ids) > 0 {
		page, err = s.componentsByID(ctx, params, snapshot, configs, configDetails)
	} else {
		page, err = s.components.GetAll(ctx, store.ListOptions{
			Limit:   query.limit,
			AfterID: query.afterID,
			Filters: s.componentFilters(ctx, params, snapshot, configs, configDetails),
		})
	}
	if err != nil {
		s.storeProblem(w, err, "Component", "")
		return
	}
	for _, component := range page.Entries {
		if !stateDetails {
			delete(component, "state")
		}
		s.setComponentLink(ctx, component)
	}
	writeJSON(w, http.StatusOK, pagedResponse("components", "id", page, query))
}

// componentsByID returns the named components, skipping missing ids, with
// the remaining filters applied.
func (s *Server) componentsByID(ctx context.Context, params componentListParams, snapshot *options.Snapshot, configs *configCache, configDetails bool) (store.Page, error) {
	filters := s.componentFilters(ctx, params, snapshot, configs, configDetails)
	var page store.Page
	for _, id := range params.ids {
		component, err := s.components.Get(ctx, id)
		if err != nil {
			if store.IsNoEntry(err) {
				continue
			}
			return store.Page{}, err
		}
		passes := true
		for _, filter := range filters {
			if !filter(component) {
				passes = false
				break
			}
		}
		if passes {
			page.Entries = append(page.Entries, component)
		}
	}
	return page, nil
}

func (s *Server) getComponentV3(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	component, err := s.components.Get(ctx, id)
	if err != nil {
		s.storeProblem(w, err, "Component", id)
		return
	}
	configDetails, _ := strconv.ParseBool(r.URL.Query().Get("config_details"))
	component = s.setComponentStatus(ctx, component, s.opts.Current(), s.newConfigCache(), configDetails)
	writeJSON(w, http.StatusOK, s.setComponentLink(ctx, component))
}

func (s *Server) putComponentsV3(w http.ResponseWriter, r *http.Request) {
	s.putComponents(w, r, false)
}

func (s *Server) putComponentV3(w http.ResponseWriter, r *http.Request) {
	s.putComponent(w, r, false)
}

func (s *Server) patchComponentsV3(w http.ResponseWriter, r *http.Request) {
	s.patchComponents(w, r, false)
}

func (s *Server) patchComponentV3(w http.ResponseWriter, r *http.Request) {
	s.patchComponent(w, r, false)
}

func (s *Server) deleteComponentV3(w http.ResponseWriter, r *http.Request) {
	s.deleteComponent(w, r)
}

// ---- v2 handlers ----

func (s *Server) getComponentsV2(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params, err := parseComponentListParams(r)
	if err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the filters provided.", err.Error())
		return
	}
	configDetails, _ := strconv.ParseBool(r.URL.Query().Get("config_details"))
	snapshot := s.opts.Current()
	configs := s.newConfigCache()

	var page store.Page
	if len(params.ids) > 0 {
		page, err = s.componentsByID(ctx, params, snapshot, configs, configDetails)
	} else {
		page, err = s.components.GetAll(ctx, store.ListOptions{
			Limit:   snapshot.DefaultPageSize(),
			Filters: s.componentFilters(ctx, params, snapshot, configs, configDetails),
		})
	}
	if err != nil {
		s.storeProblem(w, err, "Component", "")
		return
	}
	entries, ok := s.singlePage(page)
	if !ok {
		tooLarge(w)
		return
	}
	response := make([]map[string]any, 0, len(entries))
	for _, component := range entries {
		response = append(response, xlate.ComponentToV2(component))
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) getComponentV2(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	component, err := s.components.Get(ctx, id)
	if err != nil {
		s.storeProblem(w, err, "Component", id)
		return
	}
	configDetails, _ := strconv.ParseBool(r.URL.Query().Get("config_details"))
	component = s.setComponentStatus(ctx, component, s.opts.Current(), s.newConfigCache(), configDetails)
	writeJSON(w, http.StatusOK, xlate.ComponentToV2(component))
}

func (s *Server) putComponentsV2(w http.ResponseWriter, r *http.Request) {
	s.putComponents(w, r, true)
}

func (s *Server) putComponentV2(w http.ResponseWriter, r *http.Request) {
	s.putComponent(w, r, true)
}

func (s *Server) patchComponentsV2(w http.ResponseWriter, r *http.Request) {
	s.patchComponents(w, r, true)
}

func (s *Server) patchComponentV2(w http.ResponseWriter, r *http.Request) {
	s.patchComponent(w, r, true)
}

func (s *Server) deleteComponentV2(w http.ResponseWriter, r *http.Request) {
	s.deleteComponent(w, r)
}

// ---- shared write paths ----

func (s *Server) putComponents(w http.ResponseWriter, r *http.Request, v2 bool) {
	ctx := r.Context()
	var body []store.Entry
	if err := decodeBody(r, &body); err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the data provided.", err.Error())
		return
	}
	writes := make([]store.KeyEntry, 0, len(body))
	for _, data := range body {
		if v2 {
			data = xlate.ComponentFromV2(data)
		}
		id := store.StringField(data, "id")
		if id == "" {
			problem(w, http.StatusBadRequest, "Error parsing the data provided.", "Each component requires an id")
			return
		}
		writes = append(writes, store.KeyEntry{Key: id, Entry: s.componentAutoFields(data)})
	}
	response := make([]map[string]any, 0, len(writes))
	for _, write := range writes {
		stored, err := s.components.Put(ctx, write.Key, write.Entry)
		if err != nil {
			s.storeProblem(w, err, "Component", write.Key)
			return
		}
		if v2 {
			response = append(response, xlate.ComponentToV2(stored))
		} else {
			response = append(response, stored)
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) putComponent(w http.ResponseWriter, r *http.Request, v2 bool) {
	ctx := r.Context()
	id := r.PathValue("id")
	var data store.Entry
	if err := decodeBody(r, &data); err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the data provided.", err.Error())
		return
	}
	if v2 {
		data = xlate.ComponentFromV2(data)
	}
	data["id"] = id
	stored, err := s.components.Put(ctx, id, s.componentAutoFields(data))
	if err != nil {
		s.storeProblem(w, err, "Component", id)
		return
	}
	if v2 {
		writeJSON(w, http.StatusOK, xlate.ComponentToV2(stored))
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) patchComponent(w http.ResponseWriter, r *http.Request, v2 bool) {
	ctx := r.Context()
	id := r.PathValue("id")
	var data store.Entry
	if err := decodeBody(r, &data); err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the data provided.", err.Error())
		return
	}
	if v2 {
		data = xlate.ComponentFromV2(data)
	}
	stored, err := s.components.Patch(ctx, id, s.componentAutoFields(data),
		store.WithUpdateHandler(s.componentUpdateHandler))
	if err != nil {
		s.storeProblem(w, err, "Component", id)
		return
	}
	if v2 {
		writeJSON(w, http.StatusOK, xlate.ComponentToV2(stored))
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// componentBulkPatch is the {filters, patch} form of the bulk PATCH body.
type componentBulkPatch struct {
	Patch   store.Entry    `json:"patch"`
	Filters map[string]any `json:"filters"`
}

// patchComponents handles both bulk PATCH forms: a list of per-component
// patches, each of which must name an existing component, or one patch
// applied to every component passing a filter set.
func (s *Server) patchComponents(w http.ResponseWriter, r *http.Request, v2 bool) {
	ctx := r.Context()
	var raw json.RawMessage
	if err := decodeBody(r, &raw); err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the data provided.", err.Error())
		return
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		s.patchComponentList(ctx, w, raw, v2)
		return
	}
	s.patchComponentsByFilter(ctx, w, raw, v2)
}

func (s *Server) patchComponentList(ctx context.Context, w http.ResponseWriter, raw json.RawMessage, v2 bool) {
	var body []store.Entry
	if err := json.Unmarshal(raw, &body); err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the data provided.", err.Error())
		return
	}
	patches := make([]store.KeyPatch, 0, len(body))
	for _, data := range body {
		if v2 {
			data = xlate.ComponentFromV2(data)
		}
		id := store.StringField(data, "id")
		if id == "" {
			problem(w, http.StatusBadRequest, "Error parsing the data provided.", "Each component requires an id")
			return
		}
		patches = append(patches, store.KeyPatch{Key: id, Patch: s.componentAutoFields(data)})
	}
	results, err := s.components.PatchList(ctx, patches, store.WithUpdateHandler(s.componentUpdateHandler))
	if err != nil {
		var noEntry *store.NoEntryError
		if errors.As(err, &noEntry) {
			problem(w, http.StatusNotFound, "Component could not be found.",
				fmt.Sprintf("Component %s could not be found", noEntry.Key))
			return
		}
		s.storeProblem(w, err, "Component", "")
		return
	}
	response := make([]map[string]any, 0, len(results))
	for _, result := range results {
		if v2 {
			response = append(response, xlate.ComponentToV2(result.Entry))
		} else {
			response = append(response, result.Entry)
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) patchComponentsByFilter(ctx context.Context, w http.ResponseWriter, raw json.RawMessage, v2 bool) {
	var body componentBulkPatch
	if err := json.Unmarshal(raw, &body); err != nil || body.Patch == nil {
		problem(w, http.StatusBadRequest, "Error parsing the data provided.",
			"The bulk patch body requires patch and filters fields")
		return
	}
	params, err := bulkFilterParams(body.Filters)
	if err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the filters provided.", err.Error())
		return
	}
	patch := body.Patch
	if v2 {
		patch = xlate.ComponentFromV2(patch)
	}
	patch = s.componentAutoFields(patch)

	var ids []string
	if len(params.ids) > 0 {
		patches := make([]store.KeyPatch, 0, len(params.ids))
		for _, id := range params.ids {
			patches = append(patches, store.KeyPatch{Key: id, Patch: patch})
		}
		results, err := s.components.PatchList(ctx, patches, store.WithUpdateHandler(s.componentUpdateHandler))
		if err != nil {
			s.storeProblem(w, err, "Component", "")
			return
		}
		for _, result := range results {
			ids = append(ids, result.Key)
		}
	} else {
		snapshot := s.opts.Current()
		configs := s.newConfigCache()
		// Status is derived on a copy here: PatchAll filters see the stored
		// entry and must not leak the derived field into it.
		filter := func(entry store.Entry) bool {
			if !componentFieldFilter(params)(entry) {
				return false
			}
			if len(params.statuses) == 0 {
				return true
			}
			probe := store.CopyEntry(entry)
			s.setComponentStatus(ctx, probe, snapshot, configs, false)
			return statusMatchFilter(params.statuses)(probe)
		}
		results, err := s.components.PatchAll(ctx, filter,
			patch, store.WithUpdateHandler(s.componentUpdateHandler))
		if err != nil {
			s.storeProblem(w, err, "Component", "")
			return
		}
		for _, result := range results {
			ids = append(ids, result.Key)
		}
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"component_ids": ids})
}

// bulkFilterParams parses the JSON filters object of a bulk patch.
func bulkFilterParams(filters map[string]any) (componentListParams, error) {
	params := componentListParams{}
	if ids, _ := store.AsString(filters["ids"]); ids != "" {
		params.ids = strings.Split(ids, ",")
	}
	if status, _ := store.AsString(filters["status"]); status != "" {
		params.statuses = strings.Split(status, ",")
	}
	if enabled, ok := filters["enabled"]; ok {
		value, ok := store.AsBool(enabled)
		if !ok {
			return params, fmt.Errorf("error parsing the enabled filter")
		}
		params.enabled = &value
	}
	params.configName, _ = store.AsString(filters["config_name"])
	if raw, _ := store.AsString(filters["tags"]); raw != "" {
		tags, err := parseTagPairs(raw)
		if err != nil {
			return params, err
		}
		params.tags = tags
	}
	return params, nil
}

func (s *Server) deleteComponent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.components.Delete(r.Context(), id); err != nil {
		s.storeProblem(w, err, "Component", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
