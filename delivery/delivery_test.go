package delivery

import (
	"testing"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/db"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/protocol"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/util"
)

const testKeyBits = 1024

func testConf() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.Domain = "bridge.example"
	conf.Conf.KeyBits = testKeyBits
	return conf
}

// testDeliverer builds a Deliverer over an in-memory store with the fake
// protocol registered.
func testDeliverer(t *testing.T) (*Deliverer, *protocol.Fake) {
	t.Helper()
	protocol.Reset()
	t.Cleanup(protocol.Reset)

	dbase, err := db.OpenDB(":memory:")
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}

	fake := protocol.NewFake()
	protocol.Register(fake)

	return New(dbase, testConf()), fake
}

// makeUser creates a fake-protocol identity.
func makeUser(t *testing.T, d *Deliverer, id string) *domain.Identity {
	t.Helper()
	user, err := d.DB.GetOrCreateIdentity(
		domain.IdentityKey{Protocol: domain.FakeProtocol, ID: id}, true, testKeyBits)
	if err != nil {
		t.Fatalf("GetOrCreateIdentity failed: %v", err)
	}
	return user
}

// makeFollower creates an identity with a stored profile advertising the
// given inbox, following the owner.
func makeFollower(t *testing.T, d *Deliverer, id, inbox string, owner domain.IdentityKey) {
	t.Helper()
	follower := makeUser(t, d, id)

	profileID := "fake:profile:" + id
	profile := &domain.Object{
		ID:     profileID,
		OurAS1: map[string]any{"id": profileID, "objectType": "person", "inbox": inbox},
	}
	if err := protocol.PutObject(d.DB, profile); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if err := d.DB.UpdateIdentityObj(follower.Key, profileID); err != nil {
		t.Fatalf("UpdateIdentityObj failed: %v", err)
	}
	if _, err := d.DB.GetOrCreateFollower(follower.Key, owner, nil); err != nil {
		t.Fatalf("GetOrCreateFollower failed: %v", err)
	}
}

func notePayload(id string) map[string]any {
	return map[string]any{"id": id, "objectType": "note", "content": "hello"}
}
