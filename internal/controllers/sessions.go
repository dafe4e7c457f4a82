package controllers

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Cray-HPE/cfs-api/internal/events"
	"github.com/Cray-HPE/cfs-api/internal/store"
	"github.com/Cray-HPE/cfs-api/internal/tenancy"
	"github.com/Cray-HPE/cfs-api/internal/xlate"
)

// Session status fields only ever move forward through these sequences, so a
// late status report from a finished job cannot regress the record.
var statusOrdering = map[string][]string{
	"status":    {"pending", "running", "complete"},
	"succeeded": {"none", "unknown", "false", "true"},
}

var targetDefinitions = map[string]bool{
	"repo":    true,
	"dynamic": true,
	"spec":    true,
	"image":   true,
}

// ansiblePassthroughFlags maps each permitted ansible-playbook flag to
// whether its argument must be an integer.
var ansiblePassthroughFlags = map[string]bool{
	"-e":              false,
	"--extra-vars":    false,
	"-f":              true,
	"--forks":         true,
	"--skip-tags":     false,
	"--start-at-task": false,
	"-t":              false,
	"--tags":          false,
}

// ---- create ----

func (s *Server) createSessionV3(w http.ResponseWriter, r *http.Request) {
	s.createSession(w, r, false)
}

func (s *Server) createSessionV2(w http.ResponseWriter, r *http.Request) {
	s.createSession(w, r, true)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request, v2 bool) {
	ctx := r.Context()
	tenant, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}
	var data store.Entry
	if err := decodeBody(r, &data); err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the data provided.", err.Error())
		return
	}
	if v2 {
		data = xlate.SessionCreateFromV2(data)
	}
	name := store.StringField(data, "name")
	if name == "" {
		problem(w, http.StatusBadRequest, "Error validating the session provided.",
			"A session name is required")
		return
	}
	exists, err := s.sessions.Contains(ctx, name)
	if err != nil {
		s.storeProblem(w, err, "Session", name)
		return
	}
	if exists {
		problem(w, http.StatusConflict, "A session with the same name already exists.",
			fmt.Sprintf("A session with the name %s already exists", name))
		return
	}

	configuration := store.MapField(data, "configuration")
	configName := store.StringField(configuration, "name")
	if configName == "" {
		problem(w, http.StatusBadRequest, "Error validating the session provided.",
			"A configuration name is required")
		return
	}
	// Sessions against a debug_ configuration run ad hoc playbooks and do
	// not require the configuration to exist.
	if v2 || !strings.HasPrefix(configName, "debug_") {
		configExists, err := s.configurations.Contains(ctx, configName)
		if err != nil {
			s.storeProblem(w, err, "Session", name)
			return
		}
		if !configExists {
			problem(w, http.StatusBadRequest, "Error validating the session provided.",
				fmt.Sprintf("Configuration %s could not be found", configName))
			return
		}
	}

	target := store.MapField(data, "target")
	if target == nil {
		target = store.Entry{"definition": "dynamic"}
		data["target"] = target
	}
	if err := validateSessionTarget(target); err != nil {
		problem(w, http.StatusBadRequest, "Error validating the session target.", err.Error())
		return
	}

	ansible := store.MapField(data, "ansible")
	if ansible == nil {
		ansible = store.Entry{}
		data["ansible"] = ansible
	}
	if store.StringField(ansible, "config") == "" {
		ansible["config"] = s.opts.Current().DefaultAnsibleConfig()
	}
	if passthrough := store.StringField(ansible, "passthrough"); passthrough != "" {
		if err := validateAnsiblePassthrough(passthrough); err != nil {
			problem(w, http.StatusBadRequest, "Error validating the ansible passthrough.", err.Error())
			return
		}
	}

	if err := tenancy.Stamp(tenant, nil, data); err != nil {
		problem(w, http.StatusForbidden, "Operation not permitted for tenant", err.Error())
		return
	}
	data["status"] = store.Entry{
		"session": store.Entry{
			"status":     "pending",
			"succeeded":  "none",
			"start_time": s.timestamp(),
		},
		"artifacts": []any{},
	}

	if err := s.events.Produce(events.TypeCreate, data); err != nil {
		s.log.Error(err, "session create event failed", "session", name)
	}
	stored, err := s.sessions.Put(ctx, name, data)
	if err != nil {
		s.storeProblem(w, err, "Session", name)
		return
	}
	if v2 {
		writeJSON(w, http.StatusOK, xlate.SessionToV2(stored))
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// validateSessionTarget checks group shapes against the target definition.
// Dynamic and repo targets take no groups; spec and image targets need at
// least one group of named members, and image members must be IMS image ids.
func validateSessionTarget(target store.Entry) error {
	definition := store.StringField(target, "definition")
	if !targetDefinitions[definition] {
		return fmt.Errorf("target definition %q is not supported", definition)
	}
	groups := store.SliceField(target, "groups")
	switch definition {
	case "repo", "dynamic":
		if len(groups) > 0 {
			return fmt.Errorf("groups must not be specified for %s targets", definition)
		}
		return nil
	}
	if len(groups) == 0 {
		return fmt.Errorf("at least one group is required for %s targets", definition)
	}
	for _, item := range groups {
		group, ok := store.AsMap(item)
		if !ok || store.StringField(group, "name") == "" {
			return fmt.Errorf("each target group requires a name")
		}
		members := store.SliceField(group, "members")
		if len(members) == 0 {
			return fmt.Errorf("the group %q requires at least one member", store.StringField(group, "name"))
		}
		for _, member := range members {
			value, _ := store.AsString(member)
			if strings.TrimSpace(value) == "" {
				return fmt.Errorf("the group %q contains a blank member", store.StringField(group, "name"))
			}
			if definition == "image" {
				id, err := uuid.Parse(value)
				if err != nil || id.Version() != 4 {
					return fmt.Errorf("the member %q of group %q is not an image id", value, store.StringField(group, "name"))
				}
			}
		}
	}
	return nil
}

// validateAnsiblePassthrough limits passthrough to a safe flag allowlist.
func validateAnsiblePassthrough(passthrough string) error {
	tokens := strings.Fields(passthrough)
	for i := 0; i < len(tokens); i++ {
		needsInt, ok := ansiblePassthroughFlags[tokens[i]]
		if !ok {
			return fmt.Errorf("the option %q is not supported for passthrough", tokens[i])
		}
		i++
		if i >= len(tokens) {
			return fmt.Errorf("the option %q requires a value", tokens[i-1])
		}
		if needsInt {
			for _, c := range tokens[i] {
				if c < '0' || c > '9' {
					return fmt.Errorf("the option %q requires an integer value", tokens[i-1])
				}
			}
		}
	}
	return nil
}

// ---- list / get ----

type sessionListParams struct {
	minStart     *time.Time
	maxStart     *time.Time
	status       string
	succeeded    string
	nameContains string
	tags         map[string]string
}

var agePattern = regexp.MustCompile(`(?i)^\s*(\d+)\s*(w|d|h|m)\w*\s*$`)

// parseAge parses durations of the form "3d", "2 weeks" or "90 minutes".
func parseAge(raw string) (time.Duration, error) {
	match := agePattern.FindStringSubmatch(raw)
	if match == nil {
		return 0, fmt.Errorf("%q is not a valid age; use e.g. 3d or 24h", raw)
	}
	var count int
	fmt.Sscanf(match[1], "%d", &count)
	switch strings.ToLower(match[2]) {
	case "w":
		return time.Duration(count) * 7 * 24 * time.Hour, nil
	case "d":
		return time.Duration(count) * 24 * time.Hour, nil
	case "h":
		return time.Duration(count) * time.Hour, nil
	default:
		return time.Duration(count) * time.Minute, nil
	}
}

func (s *Server) parseSessionListParams(r *http.Request) (sessionListParams, error) {
	params := sessionListParams{}
	query := r.URL.Query()
	now := s.now().UTC()

	setMaxStart := func(raw string) error {
		age, err := parseAge(raw)
		if err != nil {
			return err
		}
		bound := now.Add(-age)
		params.maxStart = &bound
		return nil
	}
	// min_age wins over the older age parameter when both are given.
	if raw := query.Get("age"); raw != "" {
		if err := setMaxStart(raw); err != nil {
			return params, err
		}
	}
	if raw := query.Get("min_age"); raw != "" {
		if err := setMaxStart(raw); err != nil {
			return params, err
		}
	}
	if raw := query.Get("max_age"); raw != "" {
		age, err := parseAge(raw)
		if err != nil {
			return params, err
		}
		bound := now.Add(-age)
		params.minStart = &bound
	}
	params.status = query.Get("status")
	params.succeeded = query.Get("succeeded")
	params.nameContains = query.Get("name_contains")
	tags, err := parseTagPairs(query.Get("tags"))
	if err != nil {
		return params, err
	}
	params.tags = tags
	return params, nil
}

func sessionFilter(params sessionListParams, tenant string) store.Filter {
	tenantFilter := tenancy.Filter(tenant)
	return func(entry store.Entry) bool {
		if tenantFilter != nil && !tenantFilter(entry) {
			return false
		}
		status := store.MapField(store.MapField(entry, "status"), "session")
		if params.status != "" && store.StringField(status, "status") != params.status {
			return false
		}
		if params.succeeded != "" && store.StringField(status, "succeeded") != params.succeeded {
			return false
		}
		if params.nameContains != "" && !strings.Contains(store.StringField(entry, "name"), params.nameContains) {
			return false
		}
		if params.minStart != nil || params.maxStart != nil {
			started, err := time.Parse(timeFormat, store.StringField(status, "start_time"))
			if err != nil {
				return false
			}
			if params.minStart != nil && started.Before(*params.minStart) {
				return false
			}
			if params.maxStart != nil && started.After(*params.maxStart) {
				return false
			}
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

// setSessionLink attaches the ARA log link when the option is on.
func (s *Server) setSessionLink(ctx context.Context, session store.Entry) store.Entry {
	if !s.opts.Current().IncludeARALinks() {
		return session
	}
	if ara := s.araURL(ctx); ara != "" {
		session["logs"] = fmt.Sprintf("%s/?label=%s", ara, store.StringField(session, "name"))
	}
	return session
}

func (s *Server) getSessionsV3(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}
	params, err := s.parseSessionListParams(r)
	if err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the filters provided.", err.Error())
		return
	}
	query, err := s.pageParams(r)
	if err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the parameters provided.", err.Error())
		return
	}
	page, err := s.sessions.GetAll(ctx, store.ListOptions{
		Limit:   query.limit,
		AfterID: query.afterID,
		Filters: []store.Filter{sessionFilter(params, tenant)},
	})
	if err != nil {
		s.storeProblem(w, err, "Session", "")
		return
	}
	for _, session := range page.Entries {
		s.setSessionLink(ctx, session)
	}
	writeJSON(w, http.StatusOK, pagedResponse("sessions", "name", page, query))
}

func (s *Server) getSessionsV2(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}
	params, err := s.parseSessionListParams(r)
	if err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the filters provided.", err.Error())
		return
	}
	page, err := s.sessions.GetAll(ctx, store.ListOptions{
		Limit:   s.opts.Current().DefaultPageSize(),
		Filters: []store.Filter{sessionFilter(params, tenant)},
	})
	if err != nil {
		s.storeProblem(w, err, "Session", "")
		return
	}
	entries, ok := s.singlePage(page)
	if !ok {
		tooLarge(w)
		return
	}
	response := make([]map[string]any, 0, len(entries))
	for _, session := range entries {
		response = append(response, xlate.SessionToV2(s.setSessionLink(ctx, session)))
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) getSessionV3(w http.ResponseWriter, r *http.Request) {
	s.getSession(w, r, false)
}

func (s *Server) getSessionV2(w http.ResponseWriter, r *http.Request) {
	s.getSession(w, r, true)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, v2 bool) {
	ctx := r.Context()
	tenant, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	session, err := s.sessions.Get(ctx, name)
	if err != nil {
		s.storeProblem(w, err, "Session", name)
		return
	}
	if !tenancy.CanRead(tenant, session) {
		s.storeProblem(w, &store.NoEntryError{Key: name}, "Session", name)
		return
	}
	session = s.setSessionLink(ctx, session)
	if v2 {
		writeJSON(w, http.StatusOK, xlate.SessionToV2(session))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// ---- patch ----

func (s *Server) patchSessionV3(w http.ResponseWriter, r *http.Request) {
	s.patchSession(w, r, false)
}

func (s *Server) patchSessionV2(w http.ResponseWriter, r *http.Request) {
	s.patchSession(w, r, true)
}

func (s *Server) patchSession(w http.ResponseWriter, r *http.Request, v2 bool) {
	ctx := r.Context()
	tenant, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	var data store.Entry
	if err := decodeBody(r, &data); err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the data provided.", err.Error())
		return
	}
	if v2 {
		data = xlate.SessionFromV2(data)
	}
	for key := range data {
		if key != "status" {
			problem(w, http.StatusBadRequest, "Error validating the session provided.",
				"Only the status field of a session can be updated")
			return
		}
	}
	existing, err := s.sessions.Get(ctx, name)
	if err != nil {
		s.storeProblem(w, err, "Session", name)
		return
	}
	if !tenancy.CanRead(tenant, existing) {
		s.storeProblem(w, &store.NoEntryError{Key: name}, "Session", name)
		return
	}
	stored, err := s.sessions.Patch(ctx, name, data, store.WithPatchHandler(mergeSessionStatus))
	if err != nil {
		s.storeProblem(w, err, "Session", name)
		return
	}
	if v2 {
		writeJSON(w, http.StatusOK, xlate.SessionToV2(stored))
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// mergeSessionStatus merges a status patch into the stored session: ordered
// fields only advance, other non-empty scalars overwrite, and artifacts
// accumulate without duplicates.
func mergeSessionStatus(base store.Entry, patch store.Entry) store.Entry {
	patchStatus := store.MapField(patch, "status")
	if patchStatus == nil {
		return base
	}
	status := store.MapField(base, "status")
	if status == nil {
		status = store.Entry{}
		base["status"] = status
	}
	session := store.MapField(status, "session")
	if session == nil {
		session = store.Entry{}
		status["session"] = session
	}
	for key, value := range store.MapField(patchStatus, "session") {
		if ordering, ok := statusOrdering[key]; ok {
			incoming, _ := store.AsString(value)
			rank := statusRank(ordering, incoming)
			if rank < 0 {
				continue
			}
			current, _ := store.AsString(session[key])
			if rank < statusRank(ordering, current) {
				continue
			}
			session[key] = incoming
			continue
		}
		if value == nil || value == "" {
			continue
		}
		session[key] = value
	}
	artifacts := store.SliceField(status, "artifacts")
	for _, artifact := range store.SliceField(patchStatus, "artifacts") {
		if !containsArtifact(artifacts, artifact) {
			artifacts = append(artifacts, artifact)
		}
	}
	status["artifacts"] = artifacts
	return base
}

func statusRank(ordering []string, value string) int {
	for i, candidate := range ordering {
		if candidate == value {
			return i
		}
	}
	return -1
}

// containsArtifact reports whether an existing artifact already matches the
// candidate on every key the candidate carries. A reporter may re-post a
// partial artifact document; it still counts as the same artifact.
func containsArtifact(artifacts []any, artifact any) bool {
	candidate, ok := store.AsMap(artifact)
	if !ok {
		for _, existing := range artifacts {
			if reflect.DeepEqual(existing, artifact) {
				return true
			}
		}
		return false
	}
	for _, existing := range artifacts {
		entry, ok := store.AsMap(existing)
		if !ok {
			continue
		}
		matches := true
		for key, value := range candidate {
			if !reflect.DeepEqual(entry[key], value) {
				matches = false
				break
			}
		}
		if matches {
			return true
		}
	}
	return false
}

// ---- delete ----

func (s *Server) deleteSessionV3(w http.ResponseWriter, r *http.Request) {
	s.deleteSession(w, r)
}

func (s *Server) deleteSessionV2(w http.ResponseWriter, r *http.Request) {
	s.deleteSession(w, r)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	session, err := s.sessions.Get(ctx, name)
	if err != nil {
		s.storeProblem(w, err, "Session", name)
		return
	}
	if !tenancy.CanRead(tenant, session) {
		s.storeProblem(w, &store.NoEntryError{Key: name}, "Session", name)
		return
	}
	if err := s.sessions.Delete(ctx, name); err != nil {
		s.storeProblem(w, err, "Session", name)
		return
	}
	if err := s.events.Produce(events.TypeDelete, session); err != nil {
		s.log.Error(err, "session delete event failed", "session", name)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteSessionsV3(w http.ResponseWriter, r *http.Request) {
	s.deleteSessions(w, r, false)
}

func (s *Server) deleteSessionsV2(w http.ResponseWriter, r *http.Request) {
	s.deleteSessions(w, r, true)
}

// deleteSessions removes every session passing the filters, emitting a
// delete event per removed session.
func (s *Server) deleteSessions(w http.ResponseWriter, r *http.Request, v2 bool) {
	ctx := r.Context()
	tenant, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}
	params, err := s.parseSessionListParams(r)
	if err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the filters provided.", err.Error())
		return
	}
	deleted, err := s.sessions.DeleteAll(ctx, sessionFilter(params, tenant), func(session store.Entry) {
		if err := s.events.Produce(events.TypeDelete, session); err != nil {
			s.log.Error(err, "session delete event failed",
				"session", store.StringField(session, "name"))
		}
	})
	if err != nil {
		s.storeProblem(w, err, "Session", "")
		return
	}
	if v2 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if deleted == nil {
		deleted = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_ids": deleted})
}
