package memory

import (
	"strings"

	"github.com/nimburion/docorm/pkg/docstore"
)

// fieldValue resolves field for a document, treating docstore.IDField as the key.
func fieldValue(id string, data map[string]any, field string) (any, bool) {
	if field == docstore.IDField {
		return id, true
	}
	return lookup(data, field)
}

// lookup resolves a dotted field path inside a document.
func lookup(data map[string]any, field string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	}
	return v
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}
