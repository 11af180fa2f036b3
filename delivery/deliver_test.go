package delivery

import (
	"strings"
	"testing"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/db"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/protocol"
)

func runItem(user domain.IdentityKey, source string) db.ReceiveQueueItem {
	return db.ReceiveQueueItem{User: user, Source: source}
}

func TestRunDeliversCreateToFollowers(t *testing.T) {
	d, fake := testDeliverer(t)
	alice := makeUser(t, d, "alice")
	makeFollower(t, d, "bob", "fake:inbox:bob", alice.Key)

	fake.Objects["fake:post:1"] = &domain.Object{ID: "fake:post:1", OurAS1: notePayload("fake:post:1")}

	res, err := d.Run(runItem(alice.Key, "fake:post:1"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != 200 {
		t.Errorf("expected 200 passthrough from the recipient, got %d", res.Status)
	}

	if len(fake.Sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(fake.Sent))
	}
	sent := fake.Sent[0]
	if sent.Endpoint != "fake:inbox:bob" {
		t.Errorf("unexpected endpoint %q", sent.Endpoint)
	}
	if sent.ObjID != "fake:post:1#bridgy-fed-create" {
		t.Errorf("expected the create envelope, got %q", sent.ObjID)
	}

	env, err := d.DB.ReadObject("fake:post:1#bridgy-fed-create")
	if err != nil || env == nil {
		t.Fatalf("envelope not stored: %v", err)
	}
	if env.Status != domain.StatusComplete {
		t.Errorf("envelope status = %q, want complete", env.Status)
	}
	if len(env.Delivered) != 1 || len(env.Undelivered) != 0 || len(env.Failed) != 0 {
		t.Errorf("unexpected target lists: d=%v u=%v f=%v", env.Delivered, env.Undelivered, env.Failed)
	}
	if len(env.Users) == 0 || env.Users[0] != alice.Key {
		t.Errorf("envelope should record the acting user, got %v", env.Users)
	}
}

func TestRunUnchangedIsNoop(t *testing.T) {
	d, fake := testDeliverer(t)
	alice := makeUser(t, d, "alice")
	makeFollower(t, d, "bob", "fake:inbox:bob", alice.Key)

	fake.Objects["fake:post:1"] = &domain.Object{ID: "fake:post:1", OurAS1: notePayload("fake:post:1")}

	if _, err := d.Run(runItem(alice.Key, "fake:post:1")); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	sends := len(fake.Sent)

	res, err := d.Run(runItem(alice.Key, "fake:post:1"))
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if res.Status != 204 {
		t.Errorf("unchanged content should 204, got %d", res.Status)
	}
	if len(fake.Sent) != sends {
		t.Error("unchanged content must not be redelivered")
	}

	// force pushes it out again
	item := runItem(alice.Key, "fake:post:1")
	item.Force = true
	if _, err := d.Run(item); err != nil {
		t.Fatalf("forced run failed: %v", err)
	}
	if len(fake.Sent) != sends+1 {
		t.Error("force should redeliver")
	}
}

func TestRunPartialFailure(t *testing.T) {
	d, fake := testDeliverer(t)
	alice := makeUser(t, d, "alice")
	makeFollower(t, d, "bob", "fake:inbox:bob", alice.Key)
	makeFollower(t, d, "carol", "fake:inbox:carol", alice.Key)

	fake.Objects["fake:post:1"] = &domain.Object{ID: "fake:post:1", OurAS1: notePayload("fake:post:1")}
	fake.SendErrs["fake:inbox:carol"] = &protocol.TransportError{Status: 502, Body: "bad gateway"}

	if _, err := d.Run(runItem(alice.Key, "fake:post:1")); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	env, _ := d.DB.ReadObject("fake:post:1#bridgy-fed-create")
	if env.Status != domain.StatusComplete {
		t.Errorf("one success makes the whole delivery complete, got %q", env.Status)
	}
	if len(env.Delivered) != 1 || len(env.Failed) != 1 || len(env.Undelivered) != 0 {
		t.Errorf("unexpected target lists: d=%v u=%v f=%v", env.Delivered, env.Undelivered, env.Failed)
	}
}

func TestRunAllTargetsFail(t *testing.T) {
	d, fake := testDeliverer(t)
	alice := makeUser(t, d, "alice")
	makeFollower(t, d, "bob", "fake:inbox:bob", alice.Key)

	fake.Objects["fake:post:1"] = &domain.Object{ID: "fake:post:1", OurAS1: notePayload("fake:post:1")}
	fake.SendErrs["fake:inbox:bob"] = &protocol.TransportError{Status: 502, Body: "bad gateway"}

	res, err := d.Run(runItem(alice.Key, "fake:post:1"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != 502 {
		t.Errorf("expected the transport status to pass through, got %d", res.Status)
	}

	env, _ := d.DB.ReadObject("fake:post:1#bridgy-fed-create")
	if env.Status != domain.StatusFailed {
		t.Errorf("all-failed delivery should be failed, got %q", env.Status)
	}
}

func TestRunNoTargets(t *testing.T) {
	d, fake := testDeliverer(t)
	alice := makeUser(t, d, "alice")

	fake.Objects["fake:post:1"] = &domain.Object{ID: "fake:post:1", OurAS1: notePayload("fake:post:1")}

	res, err := d.Run(runItem(alice.Key, "fake:post:1"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != 200 || res.Body != "no targets" {
		t.Errorf("unexpected result: %+v", res)
	}

	env, _ := d.DB.ReadObject("fake:post:1#bridgy-fed-create")
	if env == nil || env.Status != domain.StatusIgnored {
		t.Errorf("target-less deliveries are recorded as ignored, got %+v", env)
	}
}

func TestRunUnknownUser(t *testing.T) {
	d, _ := testDeliverer(t)

	_, err := d.Run(runItem(domain.IdentityKey{Protocol: domain.FakeProtocol, ID: "nobody"}, "fake:post:1"))
	if !IsClient(err) {
		t.Fatalf("expected a client error, got %v", err)
	}
	if ce := AsClient(err); ce.Status != 404 {
		t.Errorf("expected 404, got %d", ce.Status)
	}
}

func TestRunFollowCreatesEdge(t *testing.T) {
	d, fake := testDeliverer(t)
	alice := makeUser(t, d, "alice")

	fake.Objects["fake:dest"] = &domain.Object{
		ID:     "fake:dest",
		OurAS1: map[string]any{"id": "fake:dest", "objectType": "person", "inbox": "fake:inbox:dest"},
	}
	fake.Objects["fake:follow:1"] = &domain.Object{
		ID:     "fake:follow:1",
		OurAS1: map[string]any{"id": "fake:follow:1", "objectType": "activity", "verb": "follow", "object": "fake:dest"},
	}
	// the recipient rejects the delivery
	fake.SendErrs["fake:inbox:dest"] = &protocol.TransportError{Status: 500, Body: "oops"}

	if _, err := d.Run(runItem(alice.Key, "fake:follow:1")); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// the edge exists even though the send failed
	edges, err := d.DB.ActiveFollowers(domain.IdentityKey{Protocol: domain.FakeProtocol, ID: "fake:dest"})
	if err != nil {
		t.Fatalf("ActiveFollowers failed: %v", err)
	}
	if len(edges) != 1 || edges[0].From != alice.Key {
		t.Fatalf("expected an edge from alice, got %v", edges)
	}
	if edges[0].FollowID != "fake:follow:1" {
		t.Errorf("edge should record the follow activity, got %q", edges[0].FollowID)
	}
}

func TestRunFollowRejectsMalformedTargetID(t *testing.T) {
	d, fake := testDeliverer(t)
	alice := makeUser(t, d, "alice")

	// the fetched profile self-identifies with an id its own protocol
	// would never accept
	fake.Objects["fake:dest"] = &domain.Object{
		ID:     "fake:dest",
		OurAS1: map[string]any{"id": "fake:bad id", "objectType": "person", "inbox": "fake:inbox:dest"},
	}
	fake.Objects["fake:follow:1"] = &domain.Object{
		ID:     "fake:follow:1",
		OurAS1: map[string]any{"id": "fake:follow:1", "objectType": "activity", "verb": "follow", "object": "fake:dest"},
	}

	_, err := d.Run(runItem(alice.Key, "fake:follow:1"))
	ce := AsClient(err)
	if ce == nil || ce.Status != 400 {
		t.Fatalf("expected a 400 client error, got %v", err)
	}

	// no identity and no edge were created for the bogus id
	ident, err := d.DB.ReadIdentity(domain.IdentityKey{Protocol: domain.FakeProtocol, ID: "fake:bad id"})
	if err != nil {
		t.Fatalf("ReadIdentity failed: %v", err)
	}
	if ident != nil {
		t.Errorf("identity should not exist for a rejected id, got %v", ident)
	}
	if len(fake.Sent) != 0 {
		t.Errorf("nothing should be sent, got %v", fake.Sent)
	}
}

func TestRunDeleteAfterPublish(t *testing.T) {
	d, fake := testDeliverer(t)
	alice := makeUser(t, d, "alice")
	makeFollower(t, d, "bob", "fake:inbox:bob", alice.Key)

	fake.Objects["fake:post:1"] = &domain.Object{ID: "fake:post:1", OurAS1: notePayload("fake:post:1")}
	if _, err := d.Run(runItem(alice.Key, "fake:post:1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	// the source is gone now
	delete(fake.Objects, "fake:post:1")

	if _, err := d.Run(runItem(alice.Key, "fake:post:1")); err != nil {
		t.Fatalf("delete run failed: %v", err)
	}

	last := fake.Sent[len(fake.Sent)-1]
	if last.ObjID != "fake:post:1#bridgy-fed-delete" {
		t.Errorf("expected a delete envelope, got %q", last.ObjID)
	}
}

func TestRunDeleteOfUnpublished(t *testing.T) {
	d, _ := testDeliverer(t)
	alice := makeUser(t, d, "alice")

	_, err := d.Run(runItem(alice.Key, "fake:never-published"))
	if !IsClient(err) {
		t.Fatalf("expected a client error, got %v", err)
	}
	if ce := AsClient(err); ce.Status != 304 {
		t.Errorf("expected 304, got %d", ce.Status)
	}
}

func TestRunProfileUpdate(t *testing.T) {
	d, fake := testDeliverer(t)
	alice := makeUser(t, d, "alice")
	makeFollower(t, d, "bob", "fake:inbox:bob", alice.Key)

	fake.Objects["fake:profile:alice"] = &domain.Object{
		ID:     "fake:profile:alice",
		OurAS1: map[string]any{"id": "fake:profile:alice", "objectType": "person", "displayName": "Alice"},
	}

	if _, err := d.Run(runItem(alice.Key, "fake:profile:alice")); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	last := fake.Sent[len(fake.Sent)-1]
	if !strings.HasPrefix(last.ObjID, "fake:profile:alice#update-") {
		t.Errorf("expected an actor update envelope, got %q", last.ObjID)
	}

	refreshed, err := d.DB.ReadIdentity(alice.Key)
	if err != nil {
		t.Fatalf("ReadIdentity failed: %v", err)
	}
	if refreshed.ObjID != "fake:profile:alice" {
		t.Errorf("profile object should be attached to the identity, got %q", refreshed.ObjID)
	}
}
