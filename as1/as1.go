// Package as1 holds helpers for working with ActivityStreams 1 documents,
// the protocol-neutral representation every native payload is translated
// into for routing decisions. Documents are plain map[string]any values.
package as1

// ActivityTypes are the AS1 verbs that make an object an activity rather
// than plain content.
var ActivityTypes = map[string]bool{
	"accept":         true,
	"delete":         true,
	"follow":         true,
	"invite":         true,
	"like":           true,
	"post":           true,
	"reject":         true,
	"share":          true,
	"stop-following": true,
	"undo":           true,
	"update":         true,
}

// VerbsWithObject are verbs whose inner object ids are explicit delivery
// targets rather than follower fan-out.
var VerbsWithObject = map[string]bool{
	"accept": true,
	"follow": true,
	"like":   true,
	"reject": true,
	"share":  true,
	"undo":   true,
}

// ObjectType returns the AS1 objectType, or the verb if it's an activity.
func ObjectType(obj map[string]any) string {
	if obj == nil {
		return ""
	}
	typ, _ := obj["objectType"].(string)
	if typ == "activity" || typ == "" {
		if verb, _ := obj["verb"].(string); verb != "" {
			return verb
		}
	}
	return typ
}

// IsActivity reports whether the document is an activity.
func IsActivity(obj map[string]any) bool {
	if obj == nil {
		return false
	}
	if typ, _ := obj["objectType"].(string); typ == "activity" {
		return true
	}
	verb, _ := obj["verb"].(string)
	return ActivityTypes[verb]
}

// GetObject returns the given field as a map, converting a bare string id
// into {"id": ...}.
func GetObject(obj map[string]any, field string) map[string]any {
	if obj == nil {
		return nil
	}
	switch val := first(obj[field]).(type) {
	case map[string]any:
		return val
	case string:
		if val != "" {
			return map[string]any{"id": val}
		}
	}
	return nil
}

// GetIDs returns all ids of the given field's value(s), whether they're bare
// strings or inner objects.
func GetIDs(obj map[string]any, field string) []string {
	var out []string
	for _, val := range list(obj[field]) {
		switch v := val.(type) {
		case string:
			if v != "" {
				out = append(out, v)
			}
		case map[string]any:
			if id, _ := v["id"].(string); id != "" {
				out = append(out, id)
			} else if url, _ := v["url"].(string); url != "" {
				out = append(out, url)
			}
		}
	}
	return out
}

// GetURLs returns all URL (or id) values of the given field.
func GetURLs(obj map[string]any, field string) []string {
	var out []string
	for _, val := range list(obj[field]) {
		switch v := val.(type) {
		case string:
			if v != "" {
				out = append(out, v)
			}
		case map[string]any:
			if url, _ := v["url"].(string); url != "" {
				out = append(out, url)
			} else if id, _ := v["id"].(string); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

// GetString returns a top level string field.
func GetString(obj map[string]any, field string) string {
	if obj == nil {
		return ""
	}
	s, _ := obj[field].(string)
	return s
}

func first(val any) any {
	if vals, ok := val.([]any); ok {
		if len(vals) == 0 {
			return nil
		}
		return vals[0]
	}
	return val
}

func list(val any) []any {
	switch v := val.(type) {
	case nil:
		return nil
	case []any:
		return v
	default:
		return []any{v}
	}
}
