package store

// MergePatch is the default PatchHandler: a recursive map merge. Nested maps
// merge key by key; lists and scalars from the patch replace the base value.
func MergePatch(base Entry, patch Entry) Entry {
	if base == nil {
		base = Entry{}
	}
	for key, value := range patch {
		patchMap, patchIsMap := value.(map[string]any)
		baseMap, baseIsMap := base[key].(map[string]any)
		if patchIsMap {
			if !baseIsMap {
				baseMap = Entry{}
			}
			base[key] = MergePatch(baseMap, patchMap)
			continue
		}
		base[key] = value
	}
	return base
}

// CopyEntry returns a deep copy of an entry. Patches are always applied to a
// copy so the original can be compared against the result to decide whether a
// write is needed.
func CopyEntry(entry Entry) Entry {
	if entry == nil {
		return nil
	}
	return copyValue(entry).(Entry)
}

func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}
		return out
	default:
		return value
	}
}
