// Package xlate converts records between the v2 wire form (camelCase field
// names, per-layer status folded into the commit string) and the v3 wire and
// storage form (snake_case, explicit status). Conversion is driven by schema
// descriptors so both directions share one generic walker.
package xlate

// Schema describes the shape of one value.
type Schema struct {
	// Fields is set for object values; keys not listed are dropped.
	Fields []Field
	// Elem is set for list and map values and describes each element.
	Elem *Schema
	// IsMap distinguishes a map-of-Elem from a list-of-Elem.
	IsMap bool
}

// Field maps one object key between the two revisions.
type Field struct {
	V2 string
	V3 string
	// Value describes the field's value; nil means scalar pass-through.
	Value *Schema
}

func object(fields ...Field) *Schema { return &Schema{Fields: fields} }

func listOf(elem *Schema) *Schema { return &Schema{Elem: elem} }

func mapOf(elem *Schema) *Schema { return &Schema{Elem: elem, IsMap: true} }

func field(v2, v3 string) Field { return Field{V2: v2, V3: v3} }

func typedField(v2, v3 string, value *Schema) Field { return Field{V2: v2, V3: v3, Value: value} }

// ToV2 converts a v3 document into its v2 form. Keys absent from the schema
// are dropped.
func ToV2(data map[string]any, schema *Schema) map[string]any {
	result := map[string]any{}
	for _, f := range schema.Fields {
		value, ok := data[f.V3]
		if !ok {
			continue
		}
		result[f.V2] = convert(value, f.Value, toV2)
	}
	return result
}

// FromV2 converts a v2 document into its v3 form.
func FromV2(data map[string]any, schema *Schema) map[string]any {
	result := map[string]any{}
	for _, f := range schema.Fields {
		value, ok := data[f.V2]
		if !ok {
			continue
		}
		result[f.V3] = convert(value, f.Value, fromV2)
	}
	return result
}

type direction int

const (
	toV2 direction = iota
	fromV2
)

func convert(value any, schema *Schema, dir direction) any {
	if schema == nil || value == nil {
		return value
	}
	if schema.Elem != nil {
		if schema.IsMap {
			m, ok := value.(map[string]any)
			if !ok {
				return value
			}
			out := make(map[string]any, len(m))
			for key, item := range m {
				out[key] = convert(item, schema.Elem, dir)
			}
			return out
		}
		list, ok := value.([]any)
		if !ok {
			return value
		}
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = convert(item, schema.Elem, dir)
		}
		return out
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return value
	}
	if dir == toV2 {
		return ToV2(obj, schema)
	}
	return FromV2(obj, schema)
}
