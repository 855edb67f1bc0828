package web

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/deemkeen/fedbridge/activitypub"
	"github.com/deemkeen/fedbridge/db"
	"github.com/deemkeen/fedbridge/domain"
	"github.com/deemkeen/fedbridge/protocol"
	"github.com/deemkeen/fedbridge/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"golang.org/x/time/rate"
)

// Router serves the bridge's HTTP surface: per-protocol inboxes, the
// webfinger endpoint, converted object pages and the RSS feed. Inbound
// activities are persisted and queued, never processed inline, so a
// slow delivery can't block an inbox response.
func Router(conf *util.AppConfig, store *db.DB, reg *protocol.Registry, fed protocol.Protocol) error {
	log.Printf("Starting bridge HTTP server on %s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter limit and 1MB body cap for inbox traffic
	inboxLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	handleInbox := func(c *gin.Context, via protocol.Protocol) {
		if via == nil {
			c.JSON(404, gin.H{"error": "Unknown protocol"})
			return
		}
		body, err := c.GetRawData()
		if err != nil {
			log.Printf("Inbox: failed to read body: %v", err)
			c.Status(400)
			return
		}
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			log.Printf("Inbox: failed to parse activity: %v", err)
			c.Status(400)
			return
		}
		if ap, ok := via.(*activitypub.Protocol); ok {
			if _, err := ap.VerifyInbound(c.Request); err != nil {
				log.Printf("Inbox: signature verification failed: %v", err)
				c.JSON(401, gin.H{"error": "Invalid signature"})
				return
			}
			payload = activitypub.FromAS2(payload)
		}
		id := domain.PayloadString(payload, "id")
		if id == "" {
			c.JSON(400, gin.H{"error": "Activity has no id"})
			return
		}

		obj := &domain.Object{
			Id:             id,
			Payload:        payload,
			SourceProtocol: via.Label(),
		}
		if err := store.PutObject(obj); err != nil {
			log.Printf("Inbox: failed to store %s: %v", id, err)
			c.Status(500)
			return
		}
		if err := store.EnqueueReceive(id); err != nil {
			log.Printf("Inbox: failed to enqueue %s: %v", id, err)
			c.Status(500)
			return
		}
		log.Printf("Inbox: queued %s via %s", id, via.Label())
		c.Status(202)
	}

	// shared inbox, protocol derived from the request host
	g.POST("/inbox", RateLimitMiddleware(inboxLimiter), maxBodySize, func(c *gin.Context) {
		handleInbox(c, reg.ForRequest(c.Request, fed))
	})

	// explicit per-protocol inbox
	g.POST("/inbox/:protocol", RateLimitMiddleware(inboxLimiter), maxBodySize, func(c *gin.Context) {
		handleInbox(c, reg.ForLabel(c.Param("protocol")))
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")

		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
			return
		}
		resource = strings.TrimPrefix(resource, "acct:")
		resource = strings.TrimSuffix(resource, fmt.Sprintf("@%s", conf.Conf.Domain))
		resp, err := GetWebfinger(resource, reg, conf)
		if err != nil {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
		} else {
			c.Render(200, render.String{Format: resp})
		}
	})

	// a stored object rendered as an html page with microformats
	g.GET("/convert/*id", func(c *gin.Context) {
		id := strings.TrimPrefix(c.Param("id"), "/")
		page, err := GetConvertPage(store, id)
		if err != nil {
			c.JSON(404, gin.H{"error": "Object not found"})
			return
		}
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.Render(200, render.String{Format: page})
	})

	g.GET("/feed", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")

		rss, err := GetRSS(conf, store)
		if err != nil {
			c.Render(404, render.String{Format: ""})
		} else {
			c.Render(200, render.String{Format: rss})
		}
	})

	return g.Run(fmt.Sprintf(":%d", conf.Conf.HttpPort))
}
