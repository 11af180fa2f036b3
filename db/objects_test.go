package db

import (
	"testing"
	"time"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
)

func TestEscapeID(t *testing.T) {
	escaped, err := EscapeID("https://a.example/post#bridgy-fed-create")
	if err != nil {
		t.Fatalf("EscapeID failed: %v", err)
	}
	if escaped != "https://a.example/post^^bridgy-fed-create" {
		t.Errorf("unexpected escape: %q", escaped)
	}
	if got := UnescapeID(escaped); got != "https://a.example/post#bridgy-fed-create" {
		t.Errorf("round trip failed: %q", got)
	}

	if _, err := EscapeID("https://a.example/already^^escaped"); err == nil {
		t.Error("ids containing the escape sequence must be rejected")
	}
}

func TestPutReadObject(t *testing.T) {
	db := testDB(t)

	obj := &domain.Object{
		ID:             "https://a.example/note#frag",
		AS2:            map[string]any{"type": "Note", "content": "hello"},
		SourceProtocol: "activitypub",
		Users:          []domain.IdentityKey{{Protocol: "web", ID: "user.com"}},
		Labels:         []string{domain.LabelFeed},
	}
	if err := db.PutObject(obj); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	got, err := db.ReadObject(obj.ID)
	if err != nil {
		t.Fatalf("ReadObject failed: %v", err)
	}
	if got == nil {
		t.Fatal("object not found after put")
	}
	if got.AS2["content"] != "hello" {
		t.Errorf("payload not preserved: %v", got.AS2)
	}
	if got.Type != "note" {
		t.Errorf("derived type not recomputed on read, got %q", got.Type)
	}
	if len(got.Users) != 1 || got.Users[0].ID != "user.com" {
		t.Errorf("users not preserved: %v", got.Users)
	}
	if !got.HasLabel(domain.LabelFeed) {
		t.Errorf("labels not preserved: %v", got.Labels)
	}
}

func TestReadObjectMissing(t *testing.T) {
	db := testDB(t)
	got, err := db.ReadObject("https://a.example/nothing")
	if err != nil {
		t.Fatalf("ReadObject failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestPutObjectUpsert(t *testing.T) {
	db := testDB(t)
	id := "https://a.example/note"

	first := &domain.Object{ID: id, AS2: map[string]any{"type": "Note", "content": "v1"}}
	if err := db.PutObject(first); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	second := &domain.Object{ID: id, AS2: map[string]any{"type": "Note", "content": "v2"}, Status: domain.StatusComplete}
	if err := db.PutObject(second); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := db.ReadObject(id)
	if err != nil {
		t.Fatalf("ReadObject failed: %v", err)
	}
	if got.AS2["content"] != "v2" || got.Status != domain.StatusComplete {
		t.Errorf("upsert did not replace: %v %q", got.AS2, got.Status)
	}
}

func TestPutObjectRejectsOverlappingTargets(t *testing.T) {
	db := testDB(t)

	target := domain.Target{URI: "https://b.example/inbox", Protocol: "activitypub"}
	obj := &domain.Object{
		ID:          "https://a.example/create",
		OurAS1:      map[string]any{"objectType": "activity", "verb": "post"},
		Delivered:   []domain.Target{target},
		Undelivered: []domain.Target{target},
	}

	if err := db.PutObject(obj); err == nil {
		t.Error("a target in two lists at once must be rejected")
	}
}

func TestReadObjectsByUser(t *testing.T) {
	db := testDB(t)
	user := domain.IdentityKey{Protocol: "web", ID: "user.com"}

	for _, id := range []string{"https://user.com/1", "https://user.com/2"} {
		obj := &domain.Object{
			ID:     id,
			AS2:    map[string]any{"type": "Note", "content": id},
			Users:  []domain.IdentityKey{user},
			Status: domain.StatusComplete,
		}
		if err := db.PutObject(obj); err != nil {
			t.Fatalf("PutObject failed: %v", err)
		}
	}

	other := &domain.Object{
		ID:    "https://other.com/1",
		AS2:   map[string]any{"type": "Note"},
		Users: []domain.IdentityKey{{Protocol: "web", ID: "other.com"}},
	}
	if err := db.PutObject(other); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	got, err := db.ReadObjectsByUser(user, "", 10)
	if err != nil {
		t.Fatalf("ReadObjectsByUser failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 objects, got %d", len(got))
	}
}

func TestDeleteExpiredObjects(t *testing.T) {
	db := testDB(t)

	stale := &domain.Object{
		ID:     "https://a.example/old-create",
		OurAS1: map[string]any{"objectType": "activity", "verb": "post"},
	}
	if err := db.PutObject(stale); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	// age the activity past its retention window
	past := time.Now().UTC().Add(-time.Hour)
	if _, err := db.db.Exec("UPDATE objects SET expire_at = ? WHERE id = ?", past, stale.ID); err != nil {
		t.Fatalf("aging the object failed: %v", err)
	}

	fresh := &domain.Object{
		ID:     "https://a.example/new-create",
		OurAS1: map[string]any{"objectType": "activity", "verb": "post"},
	}
	if err := db.PutObject(fresh); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	profile := &domain.Object{
		ID:  "https://a.example/alice",
		AS2: map[string]any{"type": "Person"},
	}
	if err := db.PutObject(profile); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	n, err := db.DeleteExpiredObjects(time.Now().UTC())
	if err != nil {
		t.Fatalf("DeleteExpiredObjects failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired object, deleted %d", n)
	}

	if got, _ := db.ReadObject(stale.ID); got != nil {
		t.Error("stale activity should be gone")
	}
	if got, _ := db.ReadObject(fresh.ID); got == nil {
		t.Error("fresh activity should survive")
	}
	if got, _ := db.ReadObject(profile.ID); got == nil {
		t.Error("profiles never expire")
	}
}
