package activitypub

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/as1"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/protocol"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/util"
)

const (
	ContentType = "application/activity+json"
	AcceptType  = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

	userAgent = "bridgy-fed/0.1 ActivityPub"
)

// Context is the default @context for outgoing activities.
var Context = []any{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
}

// ActivityPub speaks the fediverse dialect: actors and activities are
// AS2 documents fetched and delivered over signed HTTP.
type ActivityPub struct {
	Conf   *util.AppConfig
	Client *http.Client
}

func New(conf *util.AppConfig) *ActivityPub {
	return &ActivityPub{
		Conf:   conf,
		Client: &http.Client{Timeout: 20 * time.Second},
	}
}

func (ap *ActivityPub) Label() string         { return "activitypub" }
func (ap *ActivityPub) Abbrev() string        { return "ap" }
func (ap *ActivityPub) OtherLabels() []string { return []string{"as2", "activitystreams"} }

// CheckID requires a fully qualified http(s) URL.
func (ap *ActivityPub) CheckID(id string) error {
	parsed, err := url.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid ActivityPub id %q: %w", id, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("ActivityPub ids must be http(s) URLs, got %q", id)
	}
	if parsed.Host == "" {
		return fmt.Errorf("ActivityPub id %q has no host", id)
	}
	return nil
}

// OwnsID claims every web URL. Bare domains and other non-URL ids
// belong to someone else.
func (ap *ActivityPub) OwnsID(id string) bool {
	return util.IsWeb(id)
}

// ActorID returns the id fediverse peers address one of our identities
// by. Native ActivityPub users keep their own actor URI; bridged users
// get one under our domain.
func (ap *ActivityPub) ActorID(user *domain.Identity) string {
	if user.Key.Protocol == ap.Label() {
		return user.Key.ID
	}
	return ap.Conf.HostURL(fmt.Sprintf("ap/%s/%s", user.Key.Protocol, user.Key.ID))
}

// Fetch GETs an AS2 document. Missing objects map to
// protocol.ErrNotFound, remote failures to protocol.TransportError, and
// non-AS2 responses to a plain error.
func (ap *ActivityPub) Fetch(id string) (*domain.Object, error) {
	req, err := http.NewRequest(http.MethodGet, id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", id, err)
	}
	req.Header.Set("Accept", AcceptType)
	req.Header.Set("User-Agent", userAgent)

	resp, err := ap.Client.Do(req)
	if err != nil {
		return nil, &protocol.TransportError{Err: fmt.Errorf("fetch %s: %w", id, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &protocol.TransportError{Status: resp.StatusCode, Err: fmt.Errorf("read %s: %w", id, err)}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, protocol.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &protocol.TransportError{
			Status: resp.StatusCode,
			Body:   string(body),
			Err:    fmt.Errorf("fetch %s: status %d", id, resp.StatusCode),
		}
	}

	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/html") {
		return nil, fmt.Errorf("fetch %s: got HTML, not an AS2 document", id)
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("fetch %s: invalid AS2 JSON: %w", id, err)
	}

	objID, _ := doc["id"].(string)
	if objID == "" {
		objID = id
	}
	return &domain.Object{ID: objID, AS2: doc, SourceProtocol: ap.Label()}, nil
}

// Send POSTs the object's AS2 rendering to an inbox, signed with the
// sending user's key.
func (ap *ActivityPub) Send(obj *domain.Object, endpoint string, from *domain.Identity) (*protocol.SendResult, error) {
	doc := obj.AS2
	if doc == nil {
		doc = as1.ToAS2(obj.AS1)
	}
	if doc == nil {
		return nil, fmt.Errorf("object %s has nothing to send", obj.ID)
	}

	payload := make(map[string]any, len(doc)+2)
	for k, v := range doc {
		payload[k] = v
	}
	if _, ok := payload["@context"]; !ok {
		payload["@context"] = Context
	}
	actorID := ap.ActorID(from)
	if _, ok := payload["actor"]; !ok {
		payload["actor"] = actorID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal activity %s: %w", obj.ID, err)
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", endpoint, err)
	}
	hash := sha256.Sum256(body)
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", AcceptType)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", "SHA-256="+base64.StdEncoding.EncodeToString(hash[:]))

	privateKey, err := from.MagicKey.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("no signing key for %s: %w", from.Key, err)
	}
	keyID := actorID + "#main-key"
	if err := SignRequest(req, privateKey, keyID); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := ap.Client.Do(req)
	if err != nil {
		return nil, &protocol.TransportError{Err: fmt.Errorf("deliver to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &protocol.TransportError{
			Status: resp.StatusCode,
			Body:   string(respBody),
			Err:    fmt.Errorf("deliver to %s: status %d", endpoint, resp.StatusCode),
		}
	}

	log.Printf("Delivered %s to %s (%d)", obj.ID, endpoint, resp.StatusCode)
	return &protocol.SendResult{Status: resp.StatusCode, Body: string(respBody)}, nil
}

// Actor renders one of our identities as an AS2 actor document,
// including the bridged inbox endpoints and public key.
func (ap *ActivityPub) Actor(user *domain.Identity) map[string]any {
	actorID := ap.ActorID(user)
	pubPEM, _ := user.MagicKey.PublicPEM()
	actor := map[string]any{
		"@context":          Context,
		"type":              "Person",
		"id":                actorID,
		"preferredUsername": user.Name(),
		"inbox":             actorID + "/inbox",
		"outbox":            actorID + "/outbox",
		"endpoints": map[string]any{
			"sharedInbox": ap.Conf.HostURL("ap/sharedInbox"),
		},
		"publicKey": map[string]any{
			"id":           actorID + "#main-key",
			"owner":        actorID,
			"publicKeyPem": pubPEM,
		},
	}

	if obj := user.Obj(); obj != nil && obj.AS1 != nil {
		for _, field := range []string{"displayName", "summary", "image", "url"} {
			if val, ok := obj.AS1[field]; ok {
				actor[field] = val
			}
		}
	}
	return actor
}
