package delivery

import (
	"fmt"
	"log"
	"time"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/protocol"
)

// Synthesized envelope id suffixes. Deterministic so reprocessing the same
// source converges on the same envelope instead of accumulating new ones;
// updates are timestamp-qualified because each content change is a distinct
// event.
const (
	createSuffix = "#bridgy-fed-create"
	updateSuffix = "#bridgy-fed-update-" // + timestamp
	deleteSuffix = "#bridgy-fed-delete"
)

// contentTypes are the plain-content AS1 types that get wrapped in
// create/update envelopes. Everything else (likes, shares, follows,
// deletes...) is a single non-idempotent action and is delivered as-is:
// resending those is itself the correct recipient-side semantics.
var contentTypes = map[string]bool{
	"note":    true,
	"article": true,
	"comment": true,
}

// MakeEnvelope decides whether obj must be wrapped in a Create or Update
// envelope based on its stored prior state. Returns the object to deliver,
// or noop=true when the content is unchanged and force is unset.
func (d *Deliverer) MakeEnvelope(user *domain.Identity, proto protocol.Protocol, obj *domain.Object, force bool) (*domain.Object, bool, error) {
	if !contentTypes[obj.Type] {
		return obj, false, nil
	}

	actor := proto.ActorID(user)

	switch {
	case obj.Changed:
		log.Printf("Content of %s has changed, wrapping in update", obj.ID)
		// recipients can require the updated timestamp on Updates, so
		// synthesize one if the source didn't supply it
		updated := time.Now().UTC().Format(time.RFC3339)
		id := obj.ID + updateSuffix + updated

		if err := protocol.PutObject(d.DB, obj); err != nil {
			return nil, false, err
		}

		env := &domain.Object{
			ID:  id,
			MF2: obj.MF2,
			OurAS1: map[string]any{
				"objectType": "activity",
				"verb":       "update",
				"id":         id,
				"actor":      actor,
				"object": mergeDoc(obj.AS1, map[string]any{
					"updated": updated,
				}),
			},
			Users:          []domain.IdentityKey{user.Key},
			Labels:         []string{domain.LabelUser},
			SourceProtocol: obj.SourceProtocol,
		}
		return env, false, nil

	case obj.New || force:
		id := obj.ID + createSuffix
		log.Printf("New object %s, wrapping in create %s", obj.ID, id)

		if err := protocol.PutObject(d.DB, obj); err != nil {
			return nil, false, err
		}

		env := &domain.Object{
			ID:  id,
			MF2: obj.MF2,
			OurAS1: map[string]any{
				"objectType": "activity",
				"verb":       "post",
				"id":         id,
				"actor":      actor,
				"object":     obj.AS1,
			},
			Users:          []domain.IdentityKey{user.Key},
			Labels:         []string{domain.LabelUser},
			SourceProtocol: obj.SourceProtocol,
		}
		return env, false, nil
	}

	log.Printf("%s is unchanged, nothing to do", obj.ID)
	return nil, true, nil
}

// MakeDelete synthesizes a delete envelope for source content that now
// fetches as gone. There is nothing to retract unless a prior Create
// envelope exists and completed; in that case the delete materializes,
// otherwise the operation is a no-op.
func (d *Deliverer) MakeDelete(user *domain.Identity, proto protocol.Protocol, source string) (*domain.Object, error) {
	createID := source + createSuffix
	log.Printf("Interpreting %s as delete, looking for %s", source, createID)

	create, err := d.DB.ReadObject(createID)
	if err != nil {
		return nil, err
	}
	if create == nil || create.Status != domain.StatusComplete {
		return nil, clientErrorf(304, "%s was never successfully published, nothing to delete", source)
	}

	id := source + deleteSuffix
	return &domain.Object{
		ID: id,
		OurAS1: map[string]any{
			"id":         id,
			"objectType": "activity",
			"verb":       "delete",
			"actor":      proto.ActorID(user),
			"object":     source,
		},
		Users:          []domain.IdentityKey{user.Key},
		Labels:         []string{domain.LabelUser},
		SourceProtocol: user.Key.Protocol,
	}, nil
}

// MakeProfileUpdate wraps a refreshed profile object in an actor Update to
// the user's followers' instances.
func (d *Deliverer) MakeProfileUpdate(user *domain.Identity, proto protocol.Protocol, profile *domain.Object) *domain.Object {
	updated := time.Now().UTC().Format(time.RFC3339)
	actor := proto.ActorID(user)
	id := fmt.Sprintf("%s#update-%s", profile.ID, updated)

	return &domain.Object{
		ID: id,
		OurAS1: map[string]any{
			"objectType": "activity",
			"verb":       "update",
			"id":         id,
			"actor":      actor,
			"object": mergeDoc(profile.AS1, map[string]any{
				"id":      actor,
				"updated": updated,
			}),
		},
		Users:          []domain.IdentityKey{user.Key},
		Labels:         []string{domain.LabelUser},
		SourceProtocol: user.Key.Protocol,
	}
}

func mergeDoc(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
