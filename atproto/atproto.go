package atproto

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
	"github.com/miekg/dns"
)

const (
	// Label is the registry name for the AT Protocol.
	Label = "atproto"

	plcDirectory = "https://plc.directory"
	appViewHost  = "https://public.api.bsky.app"

	// defaultRelay is the shared delivery address when an account's own
	// PDS is unknown.
	defaultRelay = "https://bsky.network"
)

// Protocol implements the AT Protocol side of the bridge: DID and
// record fetches over XRPC, handle resolution over DNS.
type Protocol struct {
	domain      string
	client      *http.Client
	dnsClient   *dns.Client
	dnsResolver string
}

func New(conf *util.AppConfig) *Protocol {
	return &Protocol{
		domain:      conf.Conf.Domain,
		client:      &http.Client{Timeout: 30 * time.Second},
		dnsClient:   &dns.Client{Timeout: 10 * time.Second},
		dnsResolver: "1.1.1.1:53",
	}
}

func (p *Protocol) Label() string {
	return Label
}

// OwnsID claims at:// URIs and DIDs. Pure prefix checks.
func (p *Protocol) OwnsID(id string) bool {
	return strings.HasPrefix(id, "at://") || strings.HasPrefix(id, "did:")
}

// OwnsHandle claims only handles on Bluesky's managed namespace. Other
// domain handles stay ambiguous and go through DNS resolution.
func (p *Protocol) OwnsHandle(handle string) bool {
	return strings.HasSuffix(handle, ".bsky.social")
}

// ResolveHandle resolves a domain handle to its DID with one DNS TXT
// lookup at _atproto.<handle>.
func (p *Protocol) ResolveHandle(handle string) (string, error) {
	if handle == "" || strings.ContainsAny(handle, "@/: ") {
		return "", fmt.Errorf("not an atproto handle: %s", handle)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("_atproto."+handle), dns.TypeTXT)
	r, _, err := p.dnsClient.Exchange(m, p.dnsResolver)
	if err != nil {
		return "", fmt.Errorf("dns lookup for %s failed: %w", handle, err)
	}
	for _, ans := range r.Answer {
		txt, ok := ans.(*dns.TXT)
		if !ok {
			continue
		}
		record := strings.Join(txt.Txt, "")
		if did, ok := strings.CutPrefix(record, "did="); ok && strings.HasPrefix(did, "did:") {
			return did, nil
		}
	}
	return "", fmt.Errorf("no _atproto TXT record for %s", handle)
}

// Fetch retrieves a DID document from the PLC directory or a repo
// record through the public AppView.
func (p *Protocol) Fetch(id string) (map[string]any, error) {
	switch {
	case strings.HasPrefix(id, "did:"):
		return p.fetchDID(id)
	case strings.HasPrefix(id, "at://"):
		return p.fetchRecord(id)
	}
	return nil, fmt.Errorf("not an atproto id: %s", id)
}

func (p *Protocol) fetchDID(did string) (map[string]any, error) {
	doc, err := p.getJSON(plcDirectory + "/" + url.PathEscape(did))
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"objectType": "person",
		"id":         did,
	}
	if aka, ok := doc["alsoKnownAs"].([]any); ok && len(aka) > 0 {
		if handle, ok := aka[0].(string); ok {
			payload["url"] = handle
			payload["displayName"] = strings.TrimPrefix(handle, "at://")
		}
	}
	if pds := pdsEndpoint(doc); pds != "" {
		payload["pds"] = pds
	}
	return payload, nil
}

func (p *Protocol) fetchRecord(uri string) (map[string]any, error) {
	// at://<did>/<collection>/<rkey>
	parts := strings.SplitN(strings.TrimPrefix(uri, "at://"), "/", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed at-uri: %s", uri)
	}
	repo, collection, rkey := parts[0], parts[1], parts[2]

	q := url.Values{}
	q.Set("repo", repo)
	q.Set("collection", collection)
	q.Set("rkey", rkey)
	resp, err := p.getJSON(appViewHost + "/xrpc/com.atproto.repo.getRecord?" + q.Encode())
	if err != nil {
		return nil, err
	}

	record, _ := resp["value"].(map[string]any)
	payload := map[string]any{
		"objectType": "note",
		"id":         uri,
		"author":     repo,
	}
	if record != nil {
		if text, ok := record["text"].(string); ok {
			payload["content"] = text
		}
		if created, ok := record["createdAt"].(string); ok {
			payload["published"] = created
		}
		if reply, ok := record["reply"].(map[string]any); ok {
			if parent, ok := reply["parent"].(map[string]any); ok {
				if parentURI, ok := parent["uri"].(string); ok {
					payload["objectType"] = "comment"
					payload["inReplyTo"] = parentURI
				}
			}
		}
	}
	return payload, nil
}

func (p *Protocol) getJSON(u string) (map[string]any, error) {
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch of %s returned status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return out, nil
}

// TargetFor is the account's own PDS when known, else the relay. The
// relay doubles as the shared broadcast address for follower fan-out.
func (p *Protocol) TargetFor(obj *domain.Object) (string, error) {
	if obj != nil {
		if pds := domain.PayloadString(obj.Payload, "pds"); pds != "" {
			return pds, nil
		}
	}
	return defaultRelay, nil
}

// Send writes the bridged record into the bridge's repo on the target
// PDS.
func (p *Protocol) Send(obj *domain.Object, target string) (bool, error) {
	body, err := json.Marshal(map[string]any{
		"repo":       "did:web:" + p.domain,
		"collection": collectionFor(obj),
		"record":     obj.Payload,
	})
	if err != nil {
		return false, fmt.Errorf("failed to encode record: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost,
		target+"/xrpc/com.atproto.repo.createRecord", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("pds %s returned status %d", target, resp.StatusCode)
	}
	return true, nil
}

func collectionFor(obj *domain.Object) string {
	switch obj.Type {
	case "like":
		return "app.bsky.feed.like"
	case "share":
		return "app.bsky.feed.repost"
	case "follow":
		return "app.bsky.graph.follow"
	}
	return "app.bsky.feed.post"
}

// IsBlocklisted excludes the bridge's own hosts.
func (p *Protocol) IsBlocklisted(target string) bool {
	parsed, err := url.Parse(target)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	return host == p.domain || strings.HasSuffix(host, "."+p.domain)
}

func pdsEndpoint(didDoc map[string]any) string {
	services, ok := didDoc["service"].([]any)
	if !ok {
		return ""
	}
	for _, s := range services {
		svc, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if svc["id"] == "#atproto_pds" || svc["type"] == "AtprotoPersonalDataServer" {
			if endpoint, ok := svc["serviceEndpoint"].(string); ok {
				return endpoint
			}
		}
	}
	return ""
}
