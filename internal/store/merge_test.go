package store

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestMergePatch(t *testing.T) {
	tests := []struct {
		name     string
		base     Entry
		patch    Entry
		expected Entry
	}{
		{
			name:     "scalar overwrites scalar",
			base:     Entry{"status": "pending", "name": "x"},
			patch:    Entry{"status": "complete"},
			expected: Entry{"status": "complete", "name": "x"},
		},
		{
			name:     "nested maps merge recursively",
			base:     Entry{"status": map[string]any{"session": "a", "artifacts": []any{"one"}}},
			patch:    Entry{"status": map[string]any{"succeeded": "true"}},
			expected: Entry{"status": map[string]any{"session": "a", "artifacts": []any{"one"}, "succeeded": "true"}},
		},
		{
			name:     "lists replace wholesale",
			base:     Entry{"layers": []any{"a", "b"}},
			patch:    Entry{"layers": []any{"c"}},
			expected: Entry{"layers": []any{"c"}},
		},
		{
			name:     "map replaces scalar",
			base:     Entry{"tags": "none"},
			patch:    Entry{"tags": map[string]any{"env": "prod"}},
			expected: Entry{"tags": map[string]any{"env": "prod"}},
		},
		{
			name:     "scalar replaces map",
			base:     Entry{"tags": map[string]any{"env": "prod"}},
			patch:    Entry{"tags": nil},
			expected: Entry{"tags": nil},
		},
		{
			name:     "patch into nil base",
			base:     nil,
			patch:    Entry{"id": "c1"},
			expected: Entry{"id": "c1"},
		},
		{
			name:     "empty patch is identity",
			base:     Entry{"id": "c1", "state": []any{}},
			patch:    Entry{},
			expected: Entry{"id": "c1", "state": []any{}},
		},
		{
			name:     "new nested key under missing map",
			base:     Entry{"id": "c1"},
			patch:    Entry{"tags": map[string]any{"env": "prod"}},
			expected: Entry{"id": "c1", "tags": map[string]any{"env": "prod"}},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := NewGomegaWithT(t)
			g.Expect(MergePatch(test.base, test.patch)).To(Equal(test.expected))
		})
	}
}

func TestCopyEntryIsDeep(t *testing.T) {
	g := NewGomegaWithT(t)
	original := Entry{
		"state": []any{map[string]any{"commit": "abc"}},
		"tags":  map[string]any{"env": "prod"},
	}
	copied := CopyEntry(original)
	g.Expect(copied).To(Equal(original))

	copied["tags"].(map[string]any)["env"] = "dev"
	copied["state"].([]any)[0].(map[string]any)["commit"] = "def"
	g.Expect(original["tags"].(map[string]any)["env"]).To(Equal("prod"))
	g.Expect(original["state"].([]any)[0].(map[string]any)["commit"]).To(Equal("abc"))
}

func TestCopyEntryNil(t *testing.T) {
	g := NewGomegaWithT(t)
	g.Expect(CopyEntry(nil)).To(BeNil())
}
