package controllers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/Cray-HPE/cfs-api/internal/store"
	"github.com/Cray-HPE/cfs-api/internal/tenancy"
	"github.com/Cray-HPE/cfs-api/internal/vcs"
	"github.com/Cray-HPE/cfs-api/internal/xlate"
)

// tenantFromRequest extracts and validates the tenant header. An unknown
// tenant is a client error; the admin (empty) tenant is always valid.
func (s *Server) tenantFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := tenancy.FromRequest(r)
	if tenant == "" || s.tenants == nil {
		return tenant, true
	}
	exists, err := s.tenants.TenantExists(r.Context(), tenant)
	if err != nil {
		s.log.Error(err, "tenant lookup failed", "tenant", tenant)
		problem(w, http.StatusServiceUnavailable, "Unable to validate the tenant",
			"An error occurred communicating with the tenant service")
		return "", false
	}
	if !exists {
		problem(w, http.StatusBadRequest, "Invalid tenant",
			fmt.Sprintf("Tenant %s could not be found", tenant))
		return "", false
	}
	return tenant, true
}

// configurationsInUse is the set of configuration names referenced by any
// component's desired_config.
func (s *Server) configurationsInUse(ctx context.Context) (map[string]bool, error) {
	used := map[string]bool{}
	for component, err := range s.components.IterValues(ctx, "") {
		if err != nil {
			return nil, err
		}
		if name := store.StringField(component, "desired_config"); name != "" {
			used[name] = true
		}
	}
	return used, nil
}

func (s *Server) configurationFilters(ctx context.Context, r *http.Request, tenant string) ([]store.Filter, error) {
	var filters []store.Filter
	if filter := tenancy.Filter(tenant); filter != nil {
		filters = append(filters, filter)
	}
	if raw := r.URL.Query().Get("in_use"); raw != "" {
		inUse, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("error parsing the in_use filter: %v", err)
		}
		used, err := s.configurationsInUse(ctx)
		if err != nil {
			return nil, err
		}
		filters = append(filters, func(entry store.Entry) bool {
			return used[store.StringField(entry, "name")] == inUse
		})
	}
	return filters, nil
}

// ---- v3 handlers ----

func (s *Server) getConfigurationsV3(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}
	query, err := s.pageParams(r)
	if err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the parameters provided.", err.Error())
		return
	}
	filters, err := s.configurationFilters(ctx, r, tenant)
	if err != nil {
		s.listProblem(w, err, "Configuration")
		return
	}
	page, err := s.configurations.GetAll(ctx, store.ListOptions{
		Limit:   query.limit,
		AfterID: query.afterID,
		Filters: filters,
	})
	if err != nil {
		s.storeProblem(w, err, "Configuration", "")
		return
	}
	writeJSON(w, http.StatusOK, pagedResponse("configurations", "name", page, query))
}

// listProblem distinguishes parameter errors from store failures on list
// filter construction.
func (s *Server) listProblem(w http.ResponseWriter, err error, kind string) {
	if store.IsNoEntry(err) || store.IsTooBusy(err) {
		s.storeProblem(w, err, kind, "")
		return
	}
	problem(w, http.StatusBadRequest, "Error parsing the parameters provided.", err.Error())
}

func (s *Server) getConfigurationV3(w http.ResponseWriter, r *http.Request) {
	s.getConfiguration(w, r, false)
}

func (s *Server) putConfigurationV3(w http.ResponseWriter, r *http.Request) {
	s.putConfiguration(w, r, false)
}

func (s *Server) patchConfigurationV3(w http.ResponseWriter, r *http.Request) {
	s.patchConfiguration(w, r, false)
}

func (s *Server) deleteConfigurationV3(w http.ResponseWriter, r *http.Request) {
	s.deleteConfiguration(w, r)
}

// ---- v2 handlers ----

func (s *Server) getConfigurationsV2(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}
	filters, err := s.configurationFilters(ctx, r, tenant)
	if err != nil {
		s.listProblem(w, err, "Configuration")
		return
	}
	page, err := s.configurations.GetAll(ctx, store.ListOptions{
		Limit:   s.opts.Current().DefaultPageSize(),
		Filters: filters,
	})
	if err != nil {
		s.storeProblem(w, err, "Configuration", "")
		return
	}
	entries, ok := s.singlePage(page)
	if !ok {
		tooLarge(w)
		return
	}
	response := make([]map[string]any, 0, len(entries))
	for _, configuration := range entries {
		response = append(response, xlate.ConfigurationToV2(configuration))
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) getConfigurationV2(w http.ResponseWriter, r *http.Request) {
	s.getConfiguration(w, r, true)
}

func (s *Server) putConfigurationV2(w http.ResponseWriter, r *http.Request) {
	s.putConfiguration(w, r, true)
}

func (s *Server) patchConfigurationV2(w http.ResponseWriter, r *http.Request) {
	s.patchConfiguration(w, r, true)
}

func (s *Server) deleteConfigurationV2(w http.ResponseWriter, r *http.Request) {
	s.deleteConfiguration(w, r)
}

// ---- shared paths ----

func (s *Server) getConfiguration(w http.ResponseWriter, r *http.Request, v2 bool) {
	ctx := r.Context()
	tenant, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}
	name := r.PathValue("id")
	configuration, err := s.configurations.Get(ctx, name)
	if err != nil {
		s.storeProblem(w, err, "Configuration", name)
		return
	}
	// Records owned by another tenant are indistinguishable from absent ones.
	if !tenancy.CanRead(tenant, configuration) {
		s.storeProblem(w, &store.NoEntryError{Key: name}, "Configuration", name)
		return
	}
	if v2 {
		writeJSON(w, http.StatusOK, xlate.ConfigurationToV2(configuration))
		return
	}
	writeJSON(w, http.StatusOK, configuration)
}

func (s *Server) putConfiguration(w http.ResponseWriter, r *http.Request, v2 bool) {
	ctx := r.Context()
	tenant, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}
	name := r.PathValue("id")
	var data store.Entry
	if err := decodeBody(r, &data); err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the data provided.", err.Error())
		return
	}
	if v2 {
		data = xlate.ConfigurationFromV2(data)
	}
	data["name"] = name

	if err := s.validateConfigurationLayers(ctx, data); err != nil {
		problem(w, http.StatusBadRequest, "Error validating the configuration provided.", err.Error())
		return
	}
	dropBranches, _ := strconv.ParseBool(r.URL.Query().Get("drop_branches"))
	if err := s.resolveConfigurationBranches(ctx, data, dropBranches); err != nil {
		var branchErr *vcs.BranchError
		if errors.As(err, &branchErr) {
			problem(w, http.StatusBadRequest, "Error resolving the branch provided.", err.Error())
			return
		}
		s.storeProblem(w, err, "Configuration", name)
		return
	}

	existing, err := s.configurations.Get(ctx, name)
	if err != nil && !store.IsNoEntry(err) {
		s.storeProblem(w, err, "Configuration", name)
		return
	}
	if err := tenancy.Stamp(tenant, existing, data); err != nil {
		problem(w, http.StatusForbidden, "Operation not permitted for tenant",
			err.Error())
		return
	}
	data["last_updated"] = s.timestamp()

	stored, err := s.configurations.Put(ctx, name, data)
	if err != nil {
		s.storeProblem(w, err, "Configuration", name)
		return
	}
	if v2 {
		writeJSON(w, http.StatusOK, xlate.ConfigurationToV2(stored))
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// patchConfiguration refreshes the commit of every layer that names a
// branch, against the current tip of that branch.
func (s *Server) patchConfiguration(w http.ResponseWriter, r *http.Request, v2 bool) {
	ctx := r.Context()
	tenant, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}
	name := r.PathValue("id")
	configuration, err := s.configurations.Get(ctx, name)
	if err != nil {
		s.storeProblem(w, err, "Configuration", name)
		return
	}
	if !tenancy.CanRead(tenant, configuration) {
		s.storeProblem(w, &store.NoEntryError{Key: name}, "Configuration", name)
		return
	}
	if err := s.resolveConfigurationBranches(ctx, configuration, false); err != nil {
		var branchErr *vcs.BranchError
		if errors.As(err, &branchErr) {
			problem(w, http.StatusBadRequest, "Error resolving the branch provided.", err.Error())
			return
		}
		s.storeProblem(w, err, "Configuration", name)
		return
	}
	configuration["last_updated"] = s.timestamp()
	stored, err := s.configurations.Put(ctx, name, configuration)
	if err != nil {
		s.storeProblem(w, err, "Configuration", name)
		return
	}
	if v2 {
		writeJSON(w, http.StatusOK, xlate.ConfigurationToV2(stored))
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) deleteConfiguration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}
	name := r.PathValue("id")
	configuration, err := s.configurations.Get(ctx, name)
	if err != nil {
		s.storeProblem(w, err, "Configuration", name)
		return
	}
	if !tenancy.CanRead(tenant, configuration) {
		s.storeProblem(w, &store.NoEntryError{Key: name}, "Configuration", name)
		return
	}
	used, err := s.configurationsInUse(ctx)
	if err != nil {
		s.storeProblem(w, err, "Configuration", name)
		return
	}
	if used[name] {
		problem(w, http.StatusBadRequest, "The configuration is in use.",
			fmt.Sprintf("Configuration %s is referenced by the desired state of some components", name))
		return
	}
	if err := s.configurations.Delete(ctx, name); err != nil {
		s.storeProblem(w, err, "Configuration", name)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateConfigurationLayers enforces the layer rules: a source reference or
// a clone URL but not both, a branch or a commit but not both, known sources
// only, and no duplicate (repository, playbook) pairs.
func (s *Server) validateConfigurationLayers(ctx context.Context, data store.Entry) error {
	type layerKey struct {
		repo     string
		playbook string
	}
	seen := map[layerKey]bool{}
	for _, item := range store.SliceField(data, "layers") {
		layer, ok := store.AsMap(item)
		if !ok {
			return fmt.Errorf("each layer must be an object")
		}
		if err := s.validateLayerSource(ctx, layer); err != nil {
			return err
		}
		repo := store.StringField(layer, "clone_url")
		if repo == "" {
			repo = store.StringField(layer, "source")
		}
		key := layerKey{repo: repo, playbook: store.StringField(layer, "playbook")}
		if seen[key] {
			return fmt.Errorf("the playbook %q is specified multiple times for the repository %q", key.playbook, key.repo)
		}
		seen[key] = true
	}
	if inventory := store.MapField(data, "additional_inventory"); inventory != nil {
		if err := s.validateLayerSource(ctx, inventory); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) validateLayerSource(ctx context.Context, layer store.Entry) error {
	cloneURL := store.StringField(layer, "clone_url")
	source := store.StringField(layer, "source")
	if (cloneURL == "") == (source == "") {
		return fmt.Errorf("exactly one of clone_url or source must be specified for each layer")
	}
	branch := store.StringField(layer, "branch")
	commit := store.StringField(layer, "commit")
	if (branch == "") == (commit == "") {
		return fmt.Errorf("exactly one of branch or commit must be specified for each layer")
	}
	if source != "" {
		exists, err := s.sources.Contains(ctx, source)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("source %s does not exist", source)
		}
	}
	return nil
}

// resolveConfigurationBranches fills in the commit for every layer naming a
// branch. With dropBranches the branch itself is removed afterwards, pinning
// the configuration.
func (s *Server) resolveConfigurationBranches(ctx context.Context, data store.Entry, dropBranches bool) error {
	for _, item := range store.SliceField(data, "layers") {
		layer, ok := store.AsMap(item)
		if !ok {
			continue
		}
		if err := s.resolveLayerBranch(ctx, layer, dropBranches); err != nil {
			return err
		}
	}
	if inventory := store.MapField(data, "additional_inventory"); inventory != nil {
		if err := s.resolveLayerBranch(ctx, inventory, dropBranches); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) resolveLayerBranch(ctx context.Context, layer store.Entry, dropBranch bool) error {
	branch := store.StringField(layer, "branch")
	if branch == "" {
		return nil
	}
	cloneURL := store.StringField(layer, "clone_url")
	var source store.Entry
	if name := store.StringField(layer, "source"); name != "" {
		entry, err := s.sources.Get(ctx, name)
		if err != nil {
			return err
		}
		source = entry
		cloneURL = store.StringField(source, "clone_url")
	}
	commit, err := s.resolver.ResolveBranch(ctx, cloneURL, branch, source)
	if err != nil {
		return err
	}
	layer["commit"] = commit
	if dropBranch {
		delete(layer, "branch")
	}
	return nil
}
