package web

import (
	"fmt"
	"html"

	"github.com/deemkeen/fedbridge/db"
	"github.com/deemkeen/fedbridge/domain"
)

// GetConvertPage renders a stored object as a minimal HTML page with
// microformats2 markup. These pages serve as webmention sources and as
// the bridge's own rendering of foreign content.
func GetConvertPage(store *db.DB, id string) (string, error) {
	obj, err := store.ReadObject(id)
	if err != nil {
		return "", err
	}
	if obj == nil || obj.Deleted || obj.Payload == nil {
		return "", fmt.Errorf("no renderable object for %s", id)
	}

	author := domain.PayloadActor(obj.Payload)
	content := domain.PayloadString(obj.Payload, "content")
	published := domain.PayloadString(obj.Payload, "published")
	u := domain.PayloadString(obj.Payload, "url")
	if u == "" {
		u = obj.Id
	}

	page := `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>` + html.EscapeString(obj.Id) + `</title></head>
<body class="h-entry">
<a class="u-url" href="` + html.EscapeString(u) + `">` + html.EscapeString(u) + `</a>
`
	if author != "" {
		page += `<a class="p-author h-card" href="` + html.EscapeString(author) + `">` + html.EscapeString(author) + `</a>
`
	}
	if published != "" {
		page += `<time class="dt-published" datetime="` + html.EscapeString(published) + `">` + html.EscapeString(published) + `</time>
`
	}
	for _, replyTo := range domain.PayloadStrings(obj.Payload, "inReplyTo") {
		page += `<a class="u-in-reply-to" href="` + html.EscapeString(replyTo) + `">` + html.EscapeString(replyTo) + `</a>
`
	}
	// content is remote-controlled, never embed it raw
	page += `<div class="e-content">` + html.EscapeString(content) + `</div>
</body>
</html>`
	return page, nil
}
