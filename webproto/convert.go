package webproto

import (
	"willnorris.com/go/microformats"
)

// FromMicroformats converts a parsed page into the canonical payload:
// an h-entry becomes a note or comment, a lone h-card a person profile.
// Returns nil when the page carries neither.
func FromMicroformats(data *microformats.Data, pageURL string) map[string]any {
	if data == nil {
		return nil
	}
	if entry := findType(data.Items, "h-entry"); entry != nil {
		return entryToPayload(entry, pageURL)
	}
	if card := findType(data.Items, "h-card"); card != nil {
		return cardToPayload(card, pageURL)
	}
	return nil
}

func findType(items []*microformats.Microformat, typ string) *microformats.Microformat {
	for _, item := range items {
		for _, t := range item.Type {
			if t == typ {
				return item
			}
		}
	}
	return nil
}

func entryToPayload(entry *microformats.Microformat, pageURL string) map[string]any {
	payload := map[string]any{
		"objectType": "note",
		"id":         pageURL,
		"url":        firstString(entry.Properties, "url", pageURL),
	}

	if content := firstContent(entry.Properties); content != "" {
		payload["content"] = content
	}
	if name := firstString(entry.Properties, "name", ""); name != "" {
		payload["displayName"] = name
	}
	if published := firstString(entry.Properties, "published", ""); published != "" {
		payload["published"] = published
	}

	var replyTos []any
	for _, v := range entry.Properties["in-reply-to"] {
		if s := anyToURL(v); s != "" {
			replyTos = append(replyTos, s)
		}
	}
	if len(replyTos) > 0 {
		payload["objectType"] = "comment"
		payload["inReplyTo"] = replyTos
	}

	for _, v := range entry.Properties["author"] {
		if card, ok := v.(*microformats.Microformat); ok {
			payload["author"] = cardToPayload(card, "")
			break
		}
		if s, ok := v.(string); ok && s != "" {
			payload["author"] = s
			break
		}
	}

	if shared := firstString(entry.Properties, "repost-of", ""); shared != "" {
		payload["objectType"] = "activity"
		payload["verb"] = "share"
		payload["object"] = shared
	} else if liked := firstString(entry.Properties, "like-of", ""); liked != "" {
		payload["objectType"] = "activity"
		payload["verb"] = "like"
		payload["object"] = liked
	}
	return payload
}

func cardToPayload(card *microformats.Microformat, pageURL string) map[string]any {
	payload := map[string]any{
		"objectType": "person",
	}
	u := firstString(card.Properties, "url", pageURL)
	if u != "" {
		payload["id"] = u
		payload["url"] = u
	}
	if name := firstString(card.Properties, "name", ""); name != "" {
		payload["displayName"] = name
	}
	if photo := firstString(card.Properties, "photo", ""); photo != "" {
		payload["image"] = photo
	}
	if summary := firstString(card.Properties, "note", ""); summary != "" {
		payload["summary"] = summary
	}
	return payload
}

func firstString(props map[string][]any, key, fallback string) string {
	for _, v := range props[key] {
		if s := anyToURL(v); s != "" {
			return s
		}
	}
	return fallback
}

// firstContent unwraps an e-content value, preferring the html form.
func firstContent(props map[string][]any) string {
	for _, v := range props["content"] {
		switch val := v.(type) {
		case map[string]string:
			if html := val["html"]; html != "" {
				return html
			}
			if text := val["value"]; text != "" {
				return text
			}
		case string:
			if val != "" {
				return val
			}
		}
	}
	return ""
}

func anyToURL(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case *microformats.Microformat:
		return val.Value
	case map[string]string:
		return val["value"]
	}
	return ""
}
