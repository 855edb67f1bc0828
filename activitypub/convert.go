package activitypub

import (
	"github.com/deemkeen/fedbridge/domain"
	"github.com/deemkeen/fedbridge/util"
)

const as2Context = "https://www.w3.org/ns/activitystreams"

// AS2 activity types and their canonical verbs.
var verbFromType = map[string]string{
	"Create":   "post",
	"Update":   "update",
	"Delete":   "delete",
	"Follow":   "follow",
	"Accept":   "accept",
	"Like":     "like",
	"Announce": "share",
	"Undo":     "undo",
}

var typeFromVerb = map[string]string{
	"post":           "Create",
	"update":         "Update",
	"delete":         "Delete",
	"follow":         "Follow",
	"stop-following": "Undo",
	"accept":         "Accept",
	"like":           "Like",
	"share":          "Announce",
	"undo":           "Undo",
}

var objectTypeFromAS2 = map[string]string{
	"Note":     "note",
	"Article":  "article",
	"Person":   "person",
	"Service":  "person",
	"Image":    "image",
	"Video":    "video",
	"Question": "question",
}

var as2FromObjectType = map[string]string{
	"note":     "Note",
	"comment":  "Note",
	"article":  "Article",
	"person":   "Person",
	"image":    "Image",
	"video":    "Video",
	"question": "Question",
}

// FromAS2 converts an ActivityStreams 2 payload to the canonical form.
func FromAS2(as2 map[string]any) map[string]any {
	if as2 == nil {
		return nil
	}
	out := util.CopyPayload(as2)
	delete(out, "@context")

	typ, _ := out["type"].(string)
	delete(out, "type")

	if verb, ok := verbFromType[typ]; ok {
		out["objectType"] = "activity"
		out["verb"] = verb
		if verb == "undo" {
			// an undone follow is a stop-following
			if inner, ok := out["object"].(map[string]any); ok {
				if innerType, _ := inner["type"].(string); innerType == "Follow" {
					out["verb"] = "stop-following"
					out["object"] = inner["object"]
					if out["actor"] == nil {
						out["actor"] = inner["actor"]
					}
				}
			}
		}
	} else if typ != "" {
		if mapped, ok := objectTypeFromAS2[typ]; ok {
			out["objectType"] = mapped
		} else {
			out["objectType"] = typ
		}
	}

	if inner, ok := out["object"].(map[string]any); ok && domain.PayloadString(out, "verb") != "stop-following" {
		out["object"] = FromAS2(inner)
	}
	if tags, ok := out["tag"].([]any); ok {
		delete(out, "tag")
		var mentions []any
		for _, t := range tags {
			tag, ok := t.(map[string]any)
			if !ok {
				continue
			}
			if tag["type"] == "Mention" {
				mentions = append(mentions, map[string]any{
					"objectType": "mention",
					"url":        tag["href"],
				})
			}
		}
		if len(mentions) > 0 {
			out["tags"] = mentions
		}
	}
	if attributedTo := domain.PayloadString(out, "attributedTo"); attributedTo != "" && out["author"] == nil {
		out["author"] = attributedTo
		delete(out, "attributedTo")
	}
	return out
}

// ToAS2 converts a canonical payload to ActivityStreams 2.
func ToAS2(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := util.CopyPayload(payload)
	out["@context"] = as2Context

	verb := domain.PayloadString(out, "verb")
	objectType := domain.PayloadString(out, "objectType")
	delete(out, "verb")
	delete(out, "objectType")

	if verb != "" {
		if typ, ok := typeFromVerb[verb]; ok {
			out["type"] = typ
		}
		if verb == "stop-following" {
			// wire form is Undo{Follow}
			out["object"] = map[string]any{
				"type":   "Follow",
				"actor":  out["actor"],
				"object": out["object"],
			}
		}
	} else if objectType != "" {
		if typ, ok := as2FromObjectType[objectType]; ok {
			out["type"] = typ
		} else {
			out["type"] = objectType
		}
	}

	if inner, ok := out["object"].(map[string]any); ok && verb != "stop-following" {
		innerAS2 := ToAS2(inner)
		delete(innerAS2, "@context")
		out["object"] = innerAS2
	}
	if tags, ok := out["tags"].([]any); ok {
		delete(out, "tags")
		var as2Tags []any
		for _, t := range tags {
			tag, ok := t.(map[string]any)
			if !ok {
				continue
			}
			if tag["objectType"] == "mention" {
				as2Tags = append(as2Tags, map[string]any{
					"type": "Mention",
					"href": tag["url"],
				})
			}
		}
		if len(as2Tags) > 0 {
			out["tag"] = as2Tags
		}
	}
	if author := domain.PayloadString(out, "author"); author != "" {
		out["attributedTo"] = author
		delete(out, "author")
	}
	return out
}
