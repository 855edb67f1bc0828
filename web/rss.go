package web

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/deemkeen/fedbridge/db"
	"github.com/deemkeen/fedbridge/domain"
	"github.com/deemkeen/fedbridge/util"
	"github.com/gorilla/feeds"
)

// GetRSS renders the most recently bridged posts as an RSS feed.
func GetRSS(conf *util.AppConfig, store *db.DB) (string, error) {
	objects, err := store.ReadRecentObjects(50)
	if err != nil {
		log.Println("Could not get recent objects!", err)
		return "", errors.New("error retrieving recent objects")
	}

	link := fmt.Sprintf("https://fed.%s/feed", conf.Conf.Domain)
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s - bridged activity", util.Name),
		Link:        &feeds.Link{Href: link},
		Description: "recently bridged posts across all connected networks",
		Author:      &feeds.Author{Name: util.Name, Email: fmt.Sprintf("feed@%s", conf.Conf.Domain)},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	for _, obj := range objects {
		if !includeInFeed(&obj) {
			continue
		}
		author := domain.PayloadActor(obj.Payload)
		href := obj.Id
		if !strings.HasPrefix(href, "http") {
			href = fmt.Sprintf("https://fed.%s/convert/%s", conf.Conf.Domain, obj.Id)
		}
		feedItems = append(feedItems,
			&feeds.Item{
				Id:      obj.Id,
				Title:   obj.CreatedAt.Format(util.DateTimeFormat()),
				Link:    &feeds.Link{Href: href},
				Content: domain.PayloadString(obj.Payload, "content"),
				Author:  &feeds.Author{Name: author, Email: fmt.Sprintf("feed@%s", conf.Conf.Domain)},
				Created: obj.CreatedAt,
			})
	}

	feed.Items = feedItems
	return feed.ToRss()
}

// includeInFeed keeps notes and comments with content, skips tombstones
// and bookkeeping wrappers.
func includeInFeed(obj *domain.Object) bool {
	if obj.Deleted || obj.Payload == nil {
		return false
	}
	switch obj.Type {
	case "note", "comment", "article":
		return domain.PayloadString(obj.Payload, "content") != ""
	}
	return false
}
