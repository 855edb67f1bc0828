package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/fedbridge/domain"
	"github.com/deemkeen/fedbridge/util"
)

const (
	// Label is the registry name for the ActivityPub protocol.
	Label = "activitypub"

	contentTypeAS2 = "application/activity+json"
	acceptAS2      = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// Domains that never federate; delivering there is pointless.
var blockedDomains = []string{
	"twitter.com",
	"x.com",
	"t.co",
	"facebook.com",
	"instagram.com",
}

// Protocol implements the ActivityPub side of the bridge: conneg
// fetches, webfinger handle resolution and HTTP-signed inbox delivery.
type Protocol struct {
	domain string
	keys   *util.RsaKeyPair
	client *http.Client
}

func New(conf *util.AppConfig, keys *util.RsaKeyPair) *Protocol {
	return &Protocol{
		domain: conf.Conf.Domain,
		keys:   keys,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *Protocol) Label() string {
	return Label
}

// OwnsID claims only ids minted on the bridge's own ActivityPub
// subdomain. Any other https id needs a content-negotiation probe.
func (p *Protocol) OwnsID(id string) bool {
	return strings.HasPrefix(id, "https://ap."+p.domain+"/") ||
		strings.HasPrefix(id, "http://ap."+p.domain+"/")
}

// OwnsHandle matches the fediverse @user@instance shape.
func (p *Protocol) OwnsHandle(handle string) bool {
	if !strings.HasPrefix(handle, "@") {
		return false
	}
	rest := handle[1:]
	user, instance, ok := strings.Cut(rest, "@")
	return ok && user != "" && strings.Contains(instance, ".")
}

// Fetch retrieves an object with ActivityStreams content negotiation. A
// response that is not AS2 is an error, which doubles as the
// non-ownership signal during protocol probes.
func (p *Protocol) Fetch(id string) (map[string]any, error) {
	req, err := http.NewRequest(http.MethodGet, id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", acceptAS2)
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch of %s returned status %d", id, resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "activity+json") && !strings.Contains(contentType, "ld+json") {
		return nil, fmt.Errorf("%s is not an ActivityStreams resource: %s", id, contentType)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var as2 map[string]any
	if err := json.Unmarshal(body, &as2); err != nil {
		return nil, fmt.Errorf("failed to parse AS2 JSON: %w", err)
	}
	return FromAS2(as2), nil
}

// TargetFor prefers the actor's shared inbox over the personal one.
// ActivityPub has no global broadcast address, so a nil object has no
// target.
func (p *Protocol) TargetFor(obj *domain.Object) (string, error) {
	if obj == nil || obj.Payload == nil {
		return "", fmt.Errorf("no inbox without an actor object")
	}
	if endpoints, ok := obj.Payload["endpoints"].(map[string]any); ok {
		if shared, ok := endpoints["sharedInbox"].(string); ok && shared != "" {
			return shared, nil
		}
	}
	if inbox := domain.PayloadString(obj.Payload, "inbox"); inbox != "" {
		return inbox, nil
	}
	return "", fmt.Errorf("actor %s has no inbox", obj.Id)
}

// Send posts the signed AS2 form of the activity to an inbox.
func (p *Protocol) Send(obj *domain.Object, target string) (bool, error) {
	as2 := ToAS2(obj.Payload)
	body, err := json.Marshal(as2)
	if err != nil {
		return false, fmt.Errorf("failed to encode activity: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeAS2)
	req.Header.Set("Accept", contentTypeAS2)
	req.Header.Set("User-Agent", util.GetNameAndVersion())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	privateKey, err := ParsePrivateKey(p.keys.Private)
	if err != nil {
		return false, fmt.Errorf("failed to parse signing key: %w", err)
	}
	keyId := fmt.Sprintf("https://ap.%s/actor#main-key", p.domain)
	if err := SignRequest(req, privateKey, keyId); err != nil {
		return false, fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("inbox %s returned status %d", target, resp.StatusCode)
	}
	return true, nil
}

// IsBlocklisted excludes known non-federating domains and the bridge's
// own hosts.
func (p *Protocol) IsBlocklisted(target string) bool {
	parsed, err := url.Parse(target)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(parsed.Hostname(), "www.")
	for _, blocked := range blockedDomains {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return host == p.domain || strings.HasSuffix(host, "."+p.domain)
}

// ResolveHandle resolves @user@instance through webfinger to the
// actor's canonical id.
func (p *Protocol) ResolveHandle(handle string) (string, error) {
	if !p.OwnsHandle(handle) {
		return "", fmt.Errorf("not a fediverse handle: %s", handle)
	}
	rest := handle[1:]
	_, instance, _ := strings.Cut(rest, "@")

	wfURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=acct:%s",
		instance, url.QueryEscape(rest))
	req, err := http.NewRequest(http.MethodGet, wfURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webfinger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webfinger for %s returned status %d", handle, resp.StatusCode)
	}

	var jrd struct {
		Links []struct {
			Rel  string `json:"rel"`
			Type string `json:"type"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jrd); err != nil {
		return "", fmt.Errorf("failed to parse webfinger response: %w", err)
	}
	for _, link := range jrd.Links {
		if link.Rel == "self" && strings.Contains(link.Type, "activity+json") {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("webfinger for %s has no self link", handle)
}
