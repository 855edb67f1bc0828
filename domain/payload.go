package domain

// Helpers for reading canonical activity payloads. Payload values come
// straight out of encoding/json, so every field is a string, a
// map[string]any, or a []any of those.

// PayloadString returns the string under key, or the "id" of an embedded
// object, or "".
func PayloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	switch v := payload[key].(type) {
	case string:
		return v
	case map[string]any:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

// PayloadStrings returns all ids under key: a bare string, an embedded
// object's id, or a list of either.
func PayloadStrings(payload map[string]any, key string) []string {
	if payload == nil {
		return nil
	}
	var out []string
	collect := func(v any) {
		switch val := v.(type) {
		case string:
			if val != "" {
				out = append(out, val)
			}
		case map[string]any:
			if id, ok := val["id"].(string); ok && id != "" {
				out = append(out, id)
			}
		}
	}
	switch v := payload[key].(type) {
	case []any:
		for _, item := range v {
			collect(item)
		}
	default:
		collect(v)
	}
	return out
}

// PayloadObject returns the embedded object under "object" if it is a
// full map, else nil.
func PayloadObject(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	if obj, ok := payload["object"].(map[string]any); ok {
		return obj
	}
	return nil
}

// PayloadActor returns the actor or author id of a payload.
func PayloadActor(payload map[string]any) string {
	if actor := PayloadString(payload, "actor"); actor != "" {
		return actor
	}
	return PayloadString(payload, "author")
}

// PayloadMentions returns the urls of all mention tags.
func PayloadMentions(payload map[string]any) []string {
	if payload == nil {
		return nil
	}
	tags, ok := payload["tags"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, t := range tags {
		tag, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if tag["objectType"] != "mention" {
			continue
		}
		if url, ok := tag["url"].(string); ok && url != "" {
			out = append(out, url)
		}
	}
	return out
}

// IsActivity reports whether a payload is an activity wrapper rather
// than a bare object.
func IsActivity(payload map[string]any) bool {
	return PayloadString(payload, "objectType") == "activity" ||
		PayloadString(payload, "verb") != ""
}
