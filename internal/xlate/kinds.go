package xlate

import "strings"

// Layer status values that can be folded into a v2 commit string.
var layerStatuses = map[string]struct{}{
	"applied":    {},
	"failed":     {},
	"incomplete": {},
	"pending":    {},
}

var layerStateSchema = object(
	field("cloneUrl", "clone_url"),
	field("playbook", "playbook"),
	field("commit", "commit"),
	field("lastUpdated", "last_updated"),
	field("sessionName", "session_name"),
)

var componentSchema = object(
	field("id", "id"),
	typedField("state", "state", listOf(layerStateSchema)),
	typedField("stateAppend", "state_append", layerStateSchema),
	typedField("desiredState", "desired_state", listOf(layerStateSchema)),
	field("desiredConfig", "desired_config"),
	field("errorCount", "error_count"),
	field("retryPolicy", "retry_policy"),
	field("enabled", "enabled"),
	typedField("tags", "tags", mapOf(nil)),
	field("configurationStatus", "configuration_status"),
	field("logs", "logs"),
)

var configurationLayerSchema = object(
	field("name", "name"),
	field("cloneUrl", "clone_url"),
	field("source", "source"),
	field("playbook", "playbook"),
	field("commit", "commit"),
	field("branch", "branch"),
)

var configurationSchema = object(
	field("name", "name"),
	field("description", "description"),
	field("lastUpdated", "last_updated"),
	typedField("layers", "layers", listOf(configurationLayerSchema)),
	typedField("additionalInventory", "additional_inventory", configurationLayerSchema),
	field("tenantName", "tenant_name"),
)

var sessionSchema = object(
	field("name", "name"),
	typedField("configuration", "configuration", object(
		field("name", "name"),
		field("limit", "limit"),
	)),
	typedField("ansible", "ansible", object(
		field("limit", "limit"),
		field("config", "config"),
		field("verbosity", "verbosity"),
		field("passthrough", "passthrough"),
	)),
	typedField("target", "target", object(
		field("definition", "definition"),
		typedField("groups", "groups", listOf(object(
			field("name", "name"),
			typedField("members", "members", listOf(nil)),
		))),
		typedField("imageMap", "image_map", listOf(object(
			field("sourceId", "source_id"),
			field("resultId", "result_id"),
		))),
	)),
	typedField("status", "status", object(
		typedField("artifacts", "artifacts", listOf(object(
			field("imageId", "image_id"),
			field("result", "result"),
			field("type", "type"),
		))),
		typedField("session", "session", object(
			field("status", "status"),
			field("succeeded", "succeeded"),
			field("startTime", "start_time"),
			field("completionTime", "completion_time"),
			field("job", "job"),
			field("imsJob", "ims_job"),
		)),
	)),
	typedField("tags", "tags", mapOf(nil)),
	field("debugOnFailure", "debug_on_failure"),
	field("logs", "logs"),
)

var optionsSchema = object(
	field("defaultPlaybook", "default_playbook"),
	field("defaultAnsibleConfig", "default_ansible_config"),
	field("defaultBatcherRetryPolicy", "default_batcher_retry_policy"),
	field("batcherCheckInterval", "batcher_check_interval"),
	field("batchSize", "batch_size"),
	field("batchWindow", "batch_window"),
	field("defaultPageSize", "default_page_size"),
	field("loggingLevel", "logging_level"),
	field("includeAraLinks", "include_ara_links"),
	field("additionalInventorySource", "additional_inventory_source"),
)

// ComponentToV2 converts a stored component into the v2 wire form, folding
// each non-applied layer status into its commit string. The v2 schema has no
// layer status field, so the status is read from the storage-form layers.
func ComponentToV2(component map[string]any) map[string]any {
	out := ToV2(component, componentSchema)
	for v2Key, v3Key := range map[string]string{"state": "state", "desiredState": "desired_state"} {
		converted, ok := out[v2Key].([]any)
		if !ok {
			continue
		}
		source, _ := component[v3Key].([]any)
		for i, item := range converted {
			obj, ok := item.(map[string]any)
			if !ok || i >= len(source) {
				continue
			}
			converted[i] = foldLayerCommit(obj, layerStatus(source[i]))
		}
	}
	return out
}

func layerStatus(layer any) string {
	obj, ok := layer.(map[string]any)
	if !ok {
		return ""
	}
	status, _ := obj["status"].(string)
	return status
}

// ComponentFromV2 converts a v2 wire component into storage form, splitting
// folded commit strings back into commit plus status.
func ComponentFromV2(component map[string]any) map[string]any {
	out := FromV2(component, componentSchema)
	for _, key := range []string{"state", "desired_state"} {
		layers, ok := out[key].([]any)
		if !ok {
			continue
		}
		for i, item := range layers {
			layers[i] = splitLayerCommit(item)
		}
	}
	if appended, ok := out["state_append"].(map[string]any); ok {
		out["state_append"] = splitLayerCommit(appended)
	}
	return out
}

// foldLayerCommit rewrites {"commit": c, "status": s} as
// {"commit": c + "_" + s} when s is not applied.
func foldLayerCommit(layer map[string]any, status string) map[string]any {
	if status == "" || status == "applied" {
		return layer
	}
	if commit, ok := layer["commit"].(string); ok {
		layer["commit"] = commit + "_" + status
	}
	return layer
}

// splitLayerCommit is the inverse: a commit whose suffix after the final
// underscore is a known status splits into commit plus status; anything else
// is an applied layer.
func splitLayerCommit(layer any) any {
	obj, ok := layer.(map[string]any)
	if !ok {
		return layer
	}
	commit, ok := obj["commit"].(string)
	if !ok {
		obj["status"] = "applied"
		return obj
	}
	if i := strings.LastIndex(commit, "_"); i >= 0 {
		if _, known := layerStatuses[commit[i+1:]]; known {
			obj["commit"] = commit[:i]
			obj["status"] = commit[i+1:]
			return obj
		}
	}
	obj["status"] = "applied"
	return obj
}

// ConfigurationToV2 converts a stored configuration into the v2 wire form.
func ConfigurationToV2(configuration map[string]any) map[string]any {
	return ToV2(configuration, configurationSchema)
}

// ConfigurationFromV2 converts a v2 wire configuration into storage form.
func ConfigurationFromV2(configuration map[string]any) map[string]any {
	return FromV2(configuration, configurationSchema)
}

// SessionToV2 converts a stored session into the v2 wire form.
func SessionToV2(session map[string]any) map[string]any {
	return ToV2(session, sessionSchema)
}

// SessionFromV2 converts a v2 wire session into storage form.
func SessionFromV2(session map[string]any) map[string]any {
	return FromV2(session, sessionSchema)
}

// SessionCreateFromV2 converts the flattened v2 session create request into
// the nested storage form.
func SessionCreateFromV2(request map[string]any) map[string]any {
	out := map[string]any{}
	if name, ok := request["name"]; ok {
		out["name"] = name
	}
	configuration := map[string]any{}
	if v, ok := request["configurationName"]; ok {
		configuration["name"] = v
	}
	if v, ok := request["configurationLimit"]; ok {
		configuration["limit"] = v
	}
	if len(configuration) > 0 {
		out["configuration"] = configuration
	}
	ansible := map[string]any{}
	for v2Key, v3Key := range map[string]string{
		"ansibleLimit":       "limit",
		"ansibleConfig":      "config",
		"ansibleVerbosity":   "verbosity",
		"ansiblePassthrough": "passthrough",
	} {
		if v, ok := request[v2Key]; ok {
			ansible[v3Key] = v
		}
	}
	if len(ansible) > 0 {
		out["ansible"] = ansible
	}
	if target, ok := request["target"].(map[string]any); ok {
		out["target"] = convert(target, sessionTargetSchema(), fromV2)
	}
	if tags, ok := request["tags"]; ok {
		out["tags"] = tags
	}
	if v, ok := request["debugOnFailure"]; ok {
		out["debug_on_failure"] = v
	}
	return out
}

func sessionTargetSchema() *Schema {
	for _, f := range sessionSchema.Fields {
		if f.V3 == "target" {
			return f.Value
		}
	}
	return nil
}

// OptionsToV2 converts the stored options record into the v2 wire form.
func OptionsToV2(options map[string]any) map[string]any {
	return ToV2(options, optionsSchema)
}

// OptionsFromV2 converts a v2 wire options document into storage form.
func OptionsFromV2(options map[string]any) map[string]any {
	return FromV2(options, optionsSchema)
}

// OptionKeys returns the recognised snake_case option keys.
func OptionKeys() []string {
	keys := make([]string, 0, len(optionsSchema.Fields))
	for _, f := range optionsSchema.Fields {
		keys = append(keys, f.V3)
	}
	return keys
}
