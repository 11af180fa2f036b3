package web

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/activitypub"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/protocol"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/util"
	"github.com/gin-gonic/gin"
)

const remoteActor = "https://remote.example/users/bob"

// storeRemoteActor puts the remote actor's document in the store so the
// inbox handler resolves its key without fetching.
func storeRemoteActor(t *testing.T, s *Server, key *util.MagicKey) {
	t.Helper()
	pubPEM, err := key.PublicPEM()
	if err != nil {
		t.Fatalf("PublicPEM failed: %v", err)
	}

	actor := &domain.Object{
		ID: remoteActor,
		AS2: map[string]any{
			"id":    remoteActor,
			"type":  "Person",
			"inbox": remoteActor + "/inbox",
			"publicKey": map[string]any{
				"id":           remoteActor + "#main-key",
				"owner":        remoteActor,
				"publicKeyPem": pubPEM,
			},
		},
		SourceProtocol: "activitypub",
	}
	if err := protocol.PutObject(s.DB, actor); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
}

// signedInboxRequest builds a signed POST the way a fediverse server
// delivers activities.
func signedInboxRequest(t *testing.T, path string, activity map[string]any, key *util.MagicKey) *http.Request {
	t.Helper()
	body, err := json.Marshal(activity)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", activitypub.ContentType)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.Host)
	hash := sha256.Sum256(body)
	req.Header.Set("Digest", "SHA-256="+base64.StdEncoding.EncodeToString(hash[:]))

	privateKey, err := key.PrivateKey()
	if err != nil {
		t.Fatalf("PrivateKey failed: %v", err)
	}
	if err := activitypub.SignRequest(req, privateKey, remoteActor+"#main-key"); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}
	return req
}

func TestHandleInboxFollow(t *testing.T) {
	s, router := testServer(t)

	alice, err := s.DB.GetOrCreateIdentity(
		domain.IdentityKey{Protocol: "web", ID: "alice.example"}, true, testKeyBits)
	if err != nil {
		t.Fatalf("GetOrCreateIdentity failed: %v", err)
	}

	remoteKey, err := util.GenerateMagicKey(testKeyBits)
	if err != nil {
		t.Fatalf("GenerateMagicKey failed: %v", err)
	}
	storeRemoteActor(t, s, remoteKey)

	follow := map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://remote.example/follow/1",
		"type":     "Follow",
		"actor":    remoteActor,
		"object":   "https://bridge.example/ap/web/alice.example",
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedInboxRequest(t, "/ap/sharedInbox", follow, remoteKey))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	edges, err := s.DB.ActiveFollowers(alice.Key)
	if err != nil {
		t.Fatalf("ActiveFollowers failed: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 follower, got %d", len(edges))
	}
	edge := edges[0]
	if edge.From != (domain.IdentityKey{Protocol: "activitypub", ID: remoteActor}) {
		t.Errorf("unexpected follower %v", edge.From)
	}
	if edge.FollowID != "https://remote.example/follow/1" {
		t.Errorf("unexpected follow id %q", edge.FollowID)
	}

	// the activity itself is stored
	stored, err := s.DB.ReadObject("https://remote.example/follow/1")
	if err != nil || stored == nil {
		t.Fatalf("follow activity not stored: %v", err)
	}
}

func TestHandleInboxUndoFollow(t *testing.T) {
	s, router := testServer(t)

	alice, err := s.DB.GetOrCreateIdentity(
		domain.IdentityKey{Protocol: "web", ID: "alice.example"}, true, testKeyBits)
	if err != nil {
		t.Fatalf("GetOrCreateIdentity failed: %v", err)
	}

	remoteKey, err := util.GenerateMagicKey(testKeyBits)
	if err != nil {
		t.Fatalf("GenerateMagicKey failed: %v", err)
	}
	storeRemoteActor(t, s, remoteKey)

	follow := map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://remote.example/follow/1",
		"type":     "Follow",
		"actor":    remoteActor,
		"object":   "https://bridge.example/ap/web/alice.example",
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedInboxRequest(t, "/ap/sharedInbox", follow, remoteKey))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("follow: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	undo := map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://remote.example/undo/1",
		"type":     "Undo",
		"actor":    remoteActor,
		"object":   follow,
	}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, signedInboxRequest(t, "/ap/sharedInbox", undo, remoteKey))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("undo: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	edges, err := s.DB.ActiveFollowers(alice.Key)
	if err != nil {
		t.Fatalf("ActiveFollowers failed: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("unfollow should deactivate the edge, got %v", edges)
	}
}

func TestHandleInboxRejectsBadSignature(t *testing.T) {
	s, router := testServer(t)

	if _, err := s.DB.GetOrCreateIdentity(
		domain.IdentityKey{Protocol: "web", ID: "alice.example"}, true, testKeyBits); err != nil {
		t.Fatalf("GetOrCreateIdentity failed: %v", err)
	}

	actorKey, err := util.GenerateMagicKey(testKeyBits)
	if err != nil {
		t.Fatalf("GenerateMagicKey failed: %v", err)
	}
	storeRemoteActor(t, s, actorKey)

	// signed with a different key than the actor publishes
	wrongKey, err := util.GenerateMagicKey(testKeyBits)
	if err != nil {
		t.Fatalf("GenerateMagicKey failed: %v", err)
	}

	follow := map[string]any{
		"id":     "https://remote.example/follow/1",
		"type":   "Follow",
		"actor":  remoteActor,
		"object": "https://bridge.example/ap/web/alice.example",
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedInboxRequest(t, "/ap/sharedInbox", follow, wrongKey))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleInboxRejectsGarbage(t *testing.T) {
	_, router := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/ap/sharedInbox", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", activitypub.ContentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	noActor, _ := json.Marshal(gin.H{"id": "https://remote.example/x", "type": "Like"})
	req = httptest.NewRequest(http.MethodPost, "/ap/sharedInbox", bytes.NewReader(noActor))
	req.Header.Set("Content-Type", activitypub.ContentType)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
