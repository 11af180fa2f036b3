package webmention

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/as1"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/protocol"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/util"
)

const userAgent = "bridgy-fed/0.1 Webmention"

var domainRe = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z][a-z0-9-]*$`)

// File extensions that show up as the last label of a pasted path, not a
// real TLD.
var nonTLDs = map[string]bool{
	"css":  true,
	"html": true,
	"js":   true,
	"json": true,
	"php":  true,
	"txt":  true,
	"xml":  true,
}

// Web bridges plain websites: identities are bare domains, posts are
// pages with microformats2 markup, and outbound delivery is a
// webmention POSTed to the page's advertised endpoint.
type Web struct {
	Conf   *util.AppConfig
	Client *http.Client
}

func New(conf *util.AppConfig) *Web {
	return &Web{
		Conf:   conf,
		Client: &http.Client{Timeout: 20 * time.Second},
	}
}

func (w *Web) Label() string         { return "web" }
func (w *Web) Abbrev() string        { return "web" }
func (w *Web) OtherLabels() []string { return []string{"webmention"} }

// CheckID requires a lower-cased registrable domain.
func (w *Web) CheckID(id string) error {
	if id != strings.ToLower(id) {
		return fmt.Errorf("web ids must be lower case, got %q", id)
	}
	if !domainRe.MatchString(id) {
		return fmt.Errorf("%q is not a domain", id)
	}
	labels := strings.Split(id, ".")
	if tld := labels[len(labels)-1]; nonTLDs[tld] {
		return fmt.Errorf("%q looks like a filename, not a domain", id)
	}
	return nil
}

// OwnsID claims bare domains and homepage URLs. Pages with paths are
// ambiguous; the fediverse adapter resolves those.
func (w *Web) OwnsID(id string) bool {
	if w.CheckID(id) == nil {
		return true
	}
	parsed, err := url.Parse(id)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return false
	}
	return (parsed.Path == "" || parsed.Path == "/") &&
		w.CheckID(strings.ToLower(parsed.Hostname())) == nil
}

// ActorID returns the bridged actor URL other protocols address a web
// user by.
func (w *Web) ActorID(user *domain.Identity) string {
	return w.Conf.HostURL("ap/web/" + user.Key.ID)
}

// ProfileID is the user's homepage, the page their h-card lives on.
func (w *Web) ProfileID(user *domain.Identity) string {
	return "https://" + user.Key.ID + "/"
}

// TargetFor addresses a web object by its page URL; Send discovers the
// webmention endpoint from the page itself.
func (w *Web) TargetFor(obj *domain.Object) string {
	if u := as1.GetString(obj.AS1, "url"); u != "" {
		return u
	}
	if util.IsWeb(obj.ID) {
		return obj.ID
	}
	if w.CheckID(obj.ID) == nil {
		return "https://" + obj.ID + "/"
	}
	return ""
}

// Fetch GETs a page and extracts its primary microformats2 item.
// Servers that can't return parsed mf2 JSON produce a soft error; the
// caller treats the page as opaque.
func (w *Web) Fetch(id string) (*domain.Object, error) {
	fetchURL := id
	if w.CheckID(id) == nil {
		fetchURL = "https://" + id + "/"
	}

	req, err := http.NewRequest(http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", fetchURL, err)
	}
	req.Header.Set("Accept", "application/mf2+json, application/json;q=0.9")
	req.Header.Set("User-Agent", userAgent)

	resp, err := w.Client.Do(req)
	if err != nil {
		return nil, &protocol.TransportError{Err: fmt.Errorf("fetch %s: %w", fetchURL, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &protocol.TransportError{Status: resp.StatusCode, Err: fmt.Errorf("read %s: %w", fetchURL, err)}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, protocol.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &protocol.TransportError{
			Status: resp.StatusCode,
			Body:   string(body),
			Err:    fmt.Errorf("fetch %s: status %d", fetchURL, resp.StatusCode),
		}
	}

	item, err := parseMF2(body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", fetchURL, err)
	}

	return &domain.Object{ID: id, MF2: item, SourceProtocol: w.Label()}, nil
}

// parseMF2 accepts either a full mf2 parse result ({"items": [...]}) or
// a single mf2 item and returns the primary item.
func parseMF2(body []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("page has no parseable microformats: %w", err)
	}

	if items, ok := doc["items"].([]any); ok {
		for _, raw := range items {
			if item, ok := raw.(map[string]any); ok {
				return item, nil
			}
		}
		return nil, fmt.Errorf("page has no microformats items")
	}

	if _, ok := doc["type"]; ok {
		return doc, nil
	}
	return nil, fmt.Errorf("page has no microformats items")
}

// Send delivers a webmention for obj to the target page: discover the
// page's endpoint, then POST source and target as a form.
func (w *Web) Send(obj *domain.Object, target string, from *domain.Identity) (*protocol.SendResult, error) {
	endpoint, err := w.discoverEndpoint(target)
	if err != nil {
		return nil, err
	}
	if endpoint == "" {
		return nil, &protocol.TransportError{Err: fmt.Errorf("%s advertises no webmention endpoint", target)}
	}

	source := w.sourceURL(obj)
	form := url.Values{"source": {source}, "target": {target}}

	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := w.Client.Do(req)
	if err != nil {
		return nil, &protocol.TransportError{Err: fmt.Errorf("webmention to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &protocol.TransportError{
			Status: resp.StatusCode,
			Body:   string(respBody),
			Err:    fmt.Errorf("webmention to %s: status %d", endpoint, resp.StatusCode),
		}
	}

	log.Printf("Sent webmention %s -> %s via %s", source, target, endpoint)
	return &protocol.SendResult{Status: resp.StatusCode, Body: string(respBody)}, nil
}

// sourceURL is our proxy rendering of the object, the URL the
// receiving page can fetch to see the bridged content.
func (w *Web) sourceURL(obj *domain.Object) string {
	return w.Conf.HostURL("convert/web/" + url.PathEscape(obj.ID))
}

// discoverEndpoint finds the target page's webmention endpoint from its
// Link headers.
func (w *Web) discoverEndpoint(target string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request for %s: %w", target, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := w.Client.Do(req)
	if err != nil {
		return "", &protocol.TransportError{Err: fmt.Errorf("discover %s: %w", target, err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	for _, header := range resp.Header.Values("Link") {
		if href := linkEndpoint(header); href != "" {
			return resolveRef(target, href), nil
		}
	}
	return "", nil
}

// linkEndpoint parses a Link header value and returns the href of the
// first link whose rel list contains "webmention".
func linkEndpoint(header string) string {
	for _, link := range strings.Split(header, ",") {
		parts := strings.Split(link, ";")
		if len(parts) < 2 {
			continue
		}
		href := strings.Trim(strings.TrimSpace(parts[0]), "<>")
		for _, param := range parts[1:] {
			key, val, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || strings.TrimSpace(key) != "rel" {
				continue
			}
			for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(val), `"`)) {
				if rel == "webmention" || rel == "http://webmention.org/" {
					return href
				}
			}
		}
	}
	return ""
}

func resolveRef(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
