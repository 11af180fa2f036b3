package protocol

import (
	"fmt"
	"log"
	"strings"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/db"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	lru "github.com/hashicorp/golang-lru/v2"
)

// objectCache is the process-wide read-through cache over the canonical
// object store. It is best effort and never authoritative: a miss or stale
// entry only costs an extra fetch. Entries are defensive copies without
// derived fields.
var objectCache = newObjectCache()

const objectCacheSize = 5000

func newObjectCache() *lru.Cache[string, *domain.Object] {
	cache, err := lru.New[string, *domain.Object](objectCacheSize)
	if err != nil {
		panic(err)
	}
	return cache
}

// PutObject persists obj and, on success, refreshes the cache with a
// defensive copy. Synthesized sub-ids (containing #) are not cached.
func PutObject(dbase *db.DB, obj *domain.Object) error {
	if err := dbase.PutObject(obj); err != nil {
		return err
	}

	if !strings.Contains(obj.ID, "#") {
		objectCache.Add(obj.ID, obj.Copy())
	}
	return nil
}

// Load returns the canonical Object for id: cache, then store, then the
// owning protocol's fetch. refresh skips straight to the fetch. The returned
// Object's New and Changed flags describe how the fresh content compares to
// what was already stored, for downstream idempotence decisions.
func Load(dbase *db.DB, proto Protocol, id string, refresh bool) (*domain.Object, error) {
	if proto == nil {
		return nil, fmt.Errorf("no protocol implementation for %s", id)
	}

	if !refresh {
		if cached, ok := objectCache.Get(id); ok {
			obj := cached.Copy()
			obj.Derive()
			return obj, nil
		}
	}

	stored, err := dbase.ReadObject(id)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", id, err)
	}
	if stored != nil && !refresh {
		if !strings.Contains(id, "#") {
			objectCache.Add(id, stored.Copy())
		}
		return stored, nil
	}

	fetched, err := proto.Fetch(id)
	if err != nil {
		return nil, err
	}
	fetched.ID = id
	if fetched.SourceProtocol == "" {
		fetched.SourceProtocol = proto.Label()
	}

	fetched.New = stored == nil
	if stored != nil {
		fetched.Changed = !fetched.SameNative(stored)

		// carry over everything the fetch doesn't know about
		fetched.Status = stored.Status
		fetched.Labels = stored.Labels
		fetched.Users = stored.Users
		fetched.Deleted = stored.Deleted
		fetched.Delivered = stored.Delivered
		fetched.Undelivered = stored.Undelivered
		fetched.Failed = stored.Failed
		fetched.CreatedAt = stored.CreatedAt
		if stored.SourceProtocol != "" {
			fetched.SourceProtocol = stored.SourceProtocol
		}
	}

	if err := PutObject(dbase, fetched); err != nil {
		return nil, fmt.Errorf("failed to store object %s: %w", id, err)
	}

	log.Printf("Loaded %s (new=%v changed=%v)", id, fetched.New, fetched.Changed)
	return fetched, nil
}

// LoadLocal is Load without the fetch: cache, then store, never the network.
func LoadLocal(dbase *db.DB, id string) (*domain.Object, error) {
	if cached, ok := objectCache.Get(id); ok {
		obj := cached.Copy()
		obj.Derive()
		return obj, nil
	}
	return dbase.ReadObject(id)
}
