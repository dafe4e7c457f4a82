package controllers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/Cray-HPE/cfs-api/internal/store"
)

// sourceID decodes the {id...} path wildcard. Source names default to clone
// URLs, so they arrive percent-encoded and may span path segments.
func sourceID(r *http.Request) (string, error) {
	return url.PathUnescape(r.PathValue("id"))
}

// sourcesInUse is the set of source names referenced by any configuration
// layer or additional inventory, or by the additional_inventory_source
// option.
func (s *Server) sourcesInUse(ctx context.Context) (map[string]bool, error) {
	used := map[string]bool{}
	if name := s.opts.Current().AdditionalInventorySource(); name != "" {
		used[name] = true
	}
	for configuration, err := range s.configurations.IterValues(ctx, "") {
		if err != nil {
			return nil, err
		}
		for _, item := range store.SliceField(configuration, "layers") {
			layer, ok := store.AsMap(item)
			if !ok {
				continue
			}
			if name := store.StringField(layer, "source"); name != "" {
				used[name] = true
			}
		}
		if inventory := store.MapField(configuration, "additional_inventory"); inventory != nil {
			if name := store.StringField(inventory, "source"); name != "" {
				used[name] = true
			}
		}
	}
	return used, nil
}

func (s *Server) getSourcesV3(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query, err := s.pageParams(r)
	if err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the parameters provided.", err.Error())
		return
	}
	var filters []store.Filter
	if raw := r.URL.Query().Get("in_use"); raw != "" {
		inUse, err := strconv.ParseBool(raw)
		if err != nil {
			problem(w, http.StatusBadRequest, "Error parsing the in_use filter.", err.Error())
			return
		}
		used, err := s.sourcesInUse(ctx)
		if err != nil {
			s.storeProblem(w, err, "Source", "")
			return
		}
		filters = append(filters, func(entry store.Entry) bool {
			return used[store.StringField(entry, "name")] == inUse
		})
	}
	page, err := s.sources.GetAll(ctx, store.ListOptions{
		Limit:   query.limit,
		AfterID: query.afterID,
		Filters: filters,
	})
	if err != nil {
		s.storeProblem(w, err, "Source", "")
		return
	}
	writeJSON(w, http.StatusOK, pagedResponse("sources", "name", page, query))
}

func (s *Server) getSourceV3(w http.ResponseWriter, r *http.Request) {
	name, err := sourceID(r)
	if err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the source id.", err.Error())
		return
	}
	source, err := s.sources.Get(r.Context(), name)
	if err != nil {
		s.storeProblem(w, err, "Source", name)
		return
	}
	writeJSON(w, http.StatusOK, source)
}

func (s *Server) createSourceV3(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var data store.Entry
	if err := decodeBody(r, &data); err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the data provided.", err.Error())
		return
	}
	cloneURL := store.StringField(data, "clone_url")
	if cloneURL == "" {
		problem(w, http.StatusBadRequest, "Error validating the source provided.",
			"A clone_url is required")
		return
	}
	name := store.StringField(data, "name")
	if name == "" {
		name = cloneURL
		data["name"] = name
	}

	credentials := store.MapField(data, "credentials")
	if credentials == nil {
		credentials = store.Entry{}
	}
	method := store.StringField(credentials, "authentication_method")
	if method == "" {
		method = "password"
	}
	username := store.StringField(credentials, "username")
	password := store.StringField(credentials, "password")
	if method == "password" && (username == "" || password == "") {
		problem(w, http.StatusBadRequest, "Error validating the source provided.",
			"A username and password are required for password authentication")
		return
	}
	secretName := store.StringField(credentials, "secret_name")
	if secretName == "" {
		secretName = fmt.Sprintf("cfs-source-credentials-%s", uuid.New())
	}

	exists, err := s.sources.Contains(ctx, name)
	if err != nil {
		s.storeProblem(w, err, "Source", name)
		return
	}
	if exists {
		problem(w, http.StatusConflict, "A source with the same name already exists.",
			fmt.Sprintf("A source with the name %s already exists", name))
		return
	}

	if err := s.secrets.PutSecret(ctx, secretName, map[string]string{
		"username": username,
		"password": password,
	}); err != nil {
		s.log.Error(err, "writing source credentials failed", "source", name)
		problem(w, http.StatusServiceUnavailable, "Unable to store the source credentials.",
			"An error occurred communicating with the secret store")
		return
	}
	// Only the secret reference persists; the credentials live in Vault.
	data["credentials"] = store.Entry{
		"authentication_method": method,
		"secret_name":           secretName,
	}

	stored, err := s.sources.Put(ctx, name, data)
	if err != nil {
		s.storeProblem(w, err, "Source", name)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) patchSourceV3(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name, err := sourceID(r)
	if err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the source id.", err.Error())
		return
	}
	var data store.Entry
	if err := decodeBody(r, &data); err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the data provided.", err.Error())
		return
	}
	if patched, ok := data["name"]; ok {
		if newName, _ := store.AsString(patched); newName != name {
			problem(w, http.StatusBadRequest, "Error validating the source provided.",
				"The name of a source cannot be changed")
			return
		}
	}
	existing, err := s.sources.Get(ctx, name)
	if err != nil {
		s.storeProblem(w, err, "Source", name)
		return
	}
	if credentials := store.MapField(data, "credentials"); credentials != nil {
		username := store.StringField(credentials, "username")
		password := store.StringField(credentials, "password")
		if username == "" || password == "" {
			problem(w, http.StatusBadRequest, "Error validating the source provided.",
				"A username and password are required to update the source credentials")
			return
		}
		method := store.StringField(credentials, "authentication_method")
		if method == "" {
			method = store.StringField(store.MapField(existing, "credentials"), "authentication_method")
		}
		secretName := store.StringField(store.MapField(existing, "credentials"), "secret_name")
		if secretName == "" {
			secretName = fmt.Sprintf("cfs-source-credentials-%s", uuid.New())
		}
		if err := s.secrets.PutSecret(ctx, secretName, map[string]string{
			"username": username,
			"password": password,
		}); err != nil {
			s.log.Error(err, "writing source credentials failed", "source", name)
			problem(w, http.StatusServiceUnavailable, "Unable to store the source credentials.",
				"An error occurred communicating with the secret store")
			return
		}
		data["credentials"] = store.Entry{
			"authentication_method": method,
			"secret_name":           secretName,
		}
	}
	stored, err := s.sources.Patch(ctx, name, data)
	if err != nil {
		s.storeProblem(w, err, "Source", name)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) deleteSourceV3(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name, err := sourceID(r)
	if err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the source id.", err.Error())
		return
	}
	source, err := s.sources.Get(ctx, name)
	if err != nil {
		s.storeProblem(w, err, "Source", name)
		return
	}
	used, err := s.sourcesInUse(ctx)
	if err != nil {
		s.storeProblem(w, err, "Source", name)
		return
	}
	if used[name] {
		problem(w, http.StatusBadRequest, "The source is in use.",
			fmt.Sprintf("Source %s is referenced by a configuration or the additional inventory option", name))
		return
	}
	if err := s.sources.Delete(ctx, name); err != nil {
		s.storeProblem(w, err, "Source", name)
		return
	}
	secretName := store.StringField(store.MapField(source, "credentials"), "secret_name")
	if secretName != "" {
		if err := s.secrets.DeleteSecret(ctx, secretName); err != nil {
			s.log.Error(err, "deleting source credentials failed", "source", name, "secret", secretName)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
