package as1

// Thin derivations from native payloads into AS1, enough for routing
// decisions. Full wire codecs live with the protocol adapters.

// as2VerbTypes maps AS2 activity types to AS1 verbs.
var as2VerbTypes = map[string]string{
	"Accept":   "accept",
	"Announce": "share",
	"Create":   "post",
	"Delete":   "delete",
	"Follow":   "follow",
	"Like":     "like",
	"Reject":   "reject",
	"Undo":     "undo",
	"Update":   "update",
}

// as2ObjectTypes maps AS2 object types to AS1 objectTypes.
var as2ObjectTypes = map[string]string{
	"Application":  "application",
	"Article":      "article",
	"Group":        "group",
	"Image":        "image",
	"Note":         "note",
	"Organization": "organization",
	"Person":       "person",
	"Service":      "service",
	"Video":        "video",
}

var (
	as1VerbTypes   = invert(as2VerbTypes)
	as1ObjectTypes = invert(as2ObjectTypes)
)

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// FromAS2 derives an AS1 document from an AS2 one.
func FromAS2(as2 map[string]any) map[string]any {
	if as2 == nil {
		return nil
	}

	out := map[string]any{}
	for key, val := range as2 {
		switch key {
		case "@context", "type":
			continue
		case "inbox", "endpoints", "publicInbox", "preferredUsername", "publicKey":
			// AP infrastructure fields, carried through for endpoint discovery
			out[key] = val
		case "attributedTo":
			out["author"] = convertNested(val)
		case "inReplyTo":
			out["inReplyTo"] = val
		case "object", "actor":
			out[key] = convertNested(val)
		default:
			out[key] = val
		}
	}

	typ, _ := as2["type"].(string)
	if verb, ok := as2VerbTypes[typ]; ok {
		out["objectType"] = "activity"
		out["verb"] = verb
	} else if objType, ok := as2ObjectTypes[typ]; ok {
		out["objectType"] = objType
	}

	return out
}

func convertNested(val any) any {
	switch v := val.(type) {
	case map[string]any:
		return FromAS2(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = convertNested(item)
		}
		return out
	default:
		return val
	}
}

// ToAS2 renders an AS1 document as AS2, inverting FromAS2. The caller
// adds @context before putting the result on the wire.
func ToAS2(as1 map[string]any) map[string]any {
	if as1 == nil {
		return nil
	}

	out := map[string]any{}
	for key, val := range as1 {
		switch key {
		case "objectType", "verb":
			continue
		case "author":
			out["attributedTo"] = nestedToAS2(val)
		case "object", "actor":
			out[key] = nestedToAS2(val)
		default:
			out[key] = val
		}
	}

	if verb, _ := as1["verb"].(string); verb != "" {
		if typ, ok := as1VerbTypes[verb]; ok {
			out["type"] = typ
		}
	} else if objType, _ := as1["objectType"].(string); objType != "" {
		if typ, ok := as1ObjectTypes[objType]; ok {
			out["type"] = typ
		}
	}

	return out
}

func nestedToAS2(val any) any {
	switch v := val.(type) {
	case map[string]any:
		return ToAS2(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = nestedToAS2(item)
		}
		return out
	default:
		return val
	}
}

// FromMF2 derives an AS1 document from a microformats2 item.
func FromMF2(mf2 map[string]any) map[string]any {
	if mf2 == nil {
		return nil
	}

	props, _ := mf2["properties"].(map[string]any)

	out := map[string]any{}
	if url := firstString(props, "url"); url != "" {
		out["id"] = url
		out["url"] = url
	}
	if name := firstString(props, "name"); name != "" {
		out["displayName"] = name
	}
	if content := firstString(props, "content"); content != "" {
		out["content"] = content
	}
	if author, ok := firstVal(props, "author").(map[string]any); ok {
		out["author"] = FromMF2(author)
	} else if author := firstString(props, "author"); author != "" {
		out["author"] = map[string]any{"id": author}
	}
	if reply := firstString(props, "in-reply-to"); reply != "" {
		out["inReplyTo"] = []any{reply}
	}
	if repost := firstString(props, "repost-of"); repost != "" {
		out["objectType"] = "activity"
		out["verb"] = "share"
		out["object"] = repost
	}
	if like := firstString(props, "like-of"); like != "" {
		out["objectType"] = "activity"
		out["verb"] = "like"
		out["object"] = like
	}
	if follow := firstString(props, "follow-of"); follow != "" {
		out["objectType"] = "activity"
		out["verb"] = "follow"
		out["object"] = follow
	}

	if _, ok := out["objectType"]; !ok {
		types, _ := mf2["type"].([]any)
		for _, t := range types {
			switch t {
			case "h-card":
				out["objectType"] = "person"
			case "h-entry":
				if _, reply := out["inReplyTo"]; reply {
					out["objectType"] = "comment"
				} else if _, named := out["displayName"]; named {
					out["objectType"] = "article"
				} else {
					out["objectType"] = "note"
				}
			}
		}
	}

	return out
}

func firstVal(props map[string]any, field string) any {
	if props == nil {
		return nil
	}
	vals, _ := props[field].([]any)
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

func firstString(props map[string]any, field string) string {
	s, _ := firstVal(props, field).(string)
	return s
}
