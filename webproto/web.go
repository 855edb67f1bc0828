package webproto

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/fedbridge/domain"
	"github.com/deemkeen/fedbridge/util"
	"willnorris.com/go/microformats"
	"willnorris.com/go/webmention"
)

// Label is the registry name for plain websites.
const Label = "web"

// Protocol bridges plain websites: profiles and posts are read as
// microformats2, notifications go out as webmentions.
type Protocol struct {
	domain string
	client *http.Client
	wm     *webmention.Client
}

func New(conf *util.AppConfig) *Protocol {
	client := &http.Client{Timeout: 30 * time.Second}
	return &Protocol{
		domain: conf.Conf.Domain,
		client: client,
		wm:     webmention.New(client),
	}
}

func (p *Protocol) Label() string {
	return Label
}

// OwnsID is always false: a bare https url could just as well be an
// ActivityPub id, so ownership is decided by the registry's probes.
func (p *Protocol) OwnsID(id string) bool {
	return false
}

// OwnsHandle matches bare domain names.
func (p *Protocol) OwnsHandle(handle string) bool {
	if handle == "" || strings.ContainsAny(handle, "@/: ") {
		return false
	}
	return strings.Contains(handle, ".")
}

// ResolveHandle maps a domain handle to its site url. No remote call.
func (p *Protocol) ResolveHandle(handle string) (string, error) {
	if !p.OwnsHandle(handle) {
		return "", fmt.Errorf("not a web handle: %s", handle)
	}
	return "https://" + handle + "/", nil
}

// Fetch retrieves a page and extracts its microformats2 content. A page
// without microformats is an error, which doubles as the non-ownership
// signal during protocol probes.
func (p *Protocol) Fetch(id string) (map[string]any, error) {
	parsed, err := url.Parse(id)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("not a web url: %s", id)
	}

	req, err := http.NewRequest(http.MethodGet, id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/html")
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch of %s returned status %d", id, resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "html") {
		return nil, fmt.Errorf("%s is not an html page", id)
	}

	data := microformats.Parse(resp.Body, parsed)
	payload := FromMicroformats(data, id)
	if payload == nil {
		return nil, fmt.Errorf("%s has no microformats content", id)
	}
	return payload, nil
}

// TargetFor is the referenced page itself: webmentions are sent to the
// page being replied to or mentioned. No broadcast address exists.
func (p *Protocol) TargetFor(obj *domain.Object) (string, error) {
	if obj == nil {
		return "", fmt.Errorf("no webmention target without an object")
	}
	if u := domain.PayloadString(obj.Payload, "url"); u != "" {
		return u, nil
	}
	if strings.HasPrefix(obj.Id, "http") {
		return obj.Id, nil
	}
	return "", fmt.Errorf("object %s has no web url", obj.Id)
}

// Send discovers the target page's webmention endpoint and sends a
// mention whose source is the bridge's rendered page for the activity.
func (p *Protocol) Send(obj *domain.Object, target string) (bool, error) {
	endpoint, err := p.wm.DiscoverEndpoint(target)
	if err != nil {
		return false, fmt.Errorf("webmention endpoint discovery for %s failed: %w", target, err)
	}
	if endpoint == "" {
		// no endpoint advertised: not an error, just nothing to send
		return false, nil
	}

	source := fmt.Sprintf("https://fed.%s/convert/web/%s", p.domain, url.QueryEscape(obj.Id))
	resp, err := p.wm.SendWebmention(endpoint, source, target)
	if err != nil {
		return false, fmt.Errorf("webmention to %s failed: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("webmention endpoint %s returned status %d", endpoint, resp.StatusCode)
	}
	return true, nil
}

// IsBlocklisted excludes the bridge's own hosts; a loop of webmentions
// to ourselves helps nobody.
func (p *Protocol) IsBlocklisted(target string) bool {
	parsed, err := url.Parse(target)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	return host == p.domain || strings.HasSuffix(host, "."+p.domain)
}
