package delivery

import (
	"errors"
	"fmt"
	"log"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/as1"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/db"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/protocol"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/util"
)

// Deliverer runs the resolution/envelope/delivery pipeline for enqueued
// units of work.
type Deliverer struct {
	DB        *db.DB
	Conf      *util.AppConfig
	Policy    TargetingPolicy
	Blocklist []string
}

func New(dbase *db.DB, conf *util.AppConfig) *Deliverer {
	blocklist := append([]string(nil), defaultBlocklist...)
	if conf != nil && conf.Conf.Domain != "" {
		blocklist = append(blocklist, conf.Conf.Domain)
	}
	return &Deliverer{
		DB:        dbase,
		Conf:      conf,
		Policy:    DefaultPolicy(),
		Blocklist: blocklist,
	}
}

// Result is the synchronous outcome of one unit of work, passed through as
// the HTTP response where one is still waiting.
type Result struct {
	Status int
	Body   string
}

// hasProfileID is implemented by protocols whose identities have a
// fetchable profile document, eg a web user's homepage.
type hasProfileID interface {
	ProfileID(user *domain.Identity) string
}

// Run processes one enqueued unit of work: load the source content, decide
// the envelope, resolve targets, and drive delivery. Safe to re-run from
// scratch on redelivery; unchanged content converges to a no-op.
func (d *Deliverer) Run(item db.ReceiveQueueItem) (*Result, error) {
	user, err := d.DB.ReadIdentity(item.User)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, clientErrorf(404, "no identity found for %s", item.User)
	}

	proto := protocol.For(item.User.Protocol)
	if proto == nil {
		return nil, clientErrorf(400, "unsupported protocol %q", item.User.Protocol)
	}

	obj, err := protocol.Load(d.DB, proto, item.Source, true)
	if errors.Is(err, protocol.ErrNotFound) {
		// previously published content that's now gone is a delete signal
		obj, err = d.MakeDelete(user, proto, item.Source)
	}
	if err != nil {
		return nil, err
	}

	// a refreshed profile replaces the identity's profile object and goes
	// out as an actor update
	if pp, ok := proto.(hasProfileID); ok && pp.ProfileID(user) == obj.ID {
		if err := protocol.PutObject(d.DB, obj); err != nil {
			return nil, err
		}
		if err := d.DB.UpdateIdentityObj(user.Key, obj.ID); err != nil {
			return nil, err
		}
		user.SetObj(obj)
		obj = d.MakeProfileUpdate(user, proto, obj)
	} else {
		obj, err = d.unwrapOrEnvelope(user, proto, obj, item.Force)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			return &Result{Status: 204, Body: "unchanged"}, nil
		}
	}

	targets, err := d.ResolveTargets(user, obj)
	if err != nil {
		return nil, err
	}

	obj.Users = mergeUsers(obj.Users, user.Key)
	obj.AddLabel(domain.LabelUser)

	if len(targets) == 0 {
		obj.Status = domain.StatusIgnored
		if err := protocol.PutObject(d.DB, obj); err != nil {
			return nil, err
		}
		return &Result{Status: 200, Body: "no targets"}, nil
	}

	return d.deliver(user, obj, targets)
}

func (d *Deliverer) unwrapOrEnvelope(user *domain.Identity, proto protocol.Protocol, obj *domain.Object, force bool) (*domain.Object, error) {
	env, noop, err := d.MakeEnvelope(user, proto, obj, force)
	if err != nil {
		return nil, err
	}
	if noop {
		return nil, nil
	}
	return env, nil
}

// deliver drives the per-target loop. The full target set is recorded as
// undelivered up front; every outcome is persisted immediately so partial
// progress survives an interruption. A transport failure on one target
// never stops the remaining ones; any other send error is fatal and aborts
// the loop with undelivered still populated for a future redelivery.
func (d *Deliverer) deliver(user *domain.Identity, obj *domain.Object, targets []ResolvedTarget) (*Result, error) {
	obj.Status = domain.StatusInProgress
	obj.Delivered = nil
	obj.Failed = nil
	obj.Undelivered = make([]domain.Target, len(targets))
	for i, target := range targets {
		obj.Undelivered[i] = target.Target
	}

	if err := protocol.PutObject(d.DB, obj); err != nil {
		return nil, err
	}

	log.Printf("Delivering %s to %d targets", obj.ID, len(targets))

	var lastSuccess *protocol.SendResult
	var lastErr error

	for _, target := range targets {
		sendProto := protocol.For(target.Target.Protocol)
		if sendProto == nil {
			log.Printf("Error: no implementation for target protocol %q, skipping %s",
				target.Target.Protocol, target.Target.URI)
			moveTarget(obj, target.Target, &obj.Failed)
			lastErr = fmt.Errorf("no implementation for protocol %q", target.Target.Protocol)
			continue
		}

		// the follower edge for a follow exists as soon as we attempt
		// delivery, whether or not the endpoint accepts it
		if as1.GetString(obj.AS1, "verb") == "follow" {
			if err := d.recordFollow(user, obj, target); err != nil {
				return nil, err
			}
		}

		res, err := sendProto.Send(obj, target.Target.URI, user)
		if err != nil {
			if !protocol.IsTransport(err) {
				// unknown failure class, abort the remaining targets
				return nil, fmt.Errorf("fatal error delivering %s to %s: %w", obj.ID, target.Target.URI, err)
			}
			log.Printf("Delivery of %s to %s failed: %v", obj.ID, target.Target.URI, err)
			moveTarget(obj, target.Target, &obj.Failed)
			lastErr = err
		} else {
			log.Printf("Delivered %s to %s", obj.ID, target.Target.URI)
			moveTarget(obj, target.Target, &obj.Delivered)
			lastSuccess = res
		}

		if err := protocol.PutObject(d.DB, obj); err != nil {
			return nil, err
		}
	}

	switch {
	case len(obj.Delivered) > 0:
		obj.Status = domain.StatusComplete
	case len(obj.Failed) > 0:
		obj.Status = domain.StatusFailed
	default:
		obj.Status = domain.StatusIgnored
	}
	if err := protocol.PutObject(d.DB, obj); err != nil {
		return nil, err
	}

	if lastSuccess != nil {
		body := lastSuccess.Body
		if body == "" {
			body = "sent!"
		}
		return &Result{Status: lastSuccess.Status, Body: body}, nil
	}
	if te := protocol.AsTransport(lastErr); te != nil && te.Status != 0 {
		return &Result{Status: te.Status, Body: lastErr.Error()}, nil
	}
	return &Result{Status: 502, Body: lastErr.Error()}, nil
}

// recordFollow gets or reactivates the follower edge behind a follow
// activity, creating the destination identity if this is its first sight.
func (d *Deliverer) recordFollow(user *domain.Identity, obj *domain.Object, target ResolvedTarget) error {
	dest := target.Doc
	if dest == nil {
		dest = as1.GetObject(obj.AS1, "object")
	}
	destID, _ := dest["id"].(string)
	if destID == "" {
		destID, _ = dest["url"].(string)
	}
	if destID == "" {
		return clientErrorf(400, "follow %s missing target id", obj.ID)
	}
	// the id comes from a fetched document, so hold it to the same grammar
	// the owning protocol enforces on its own ingestion paths
	if destProto := protocol.For(target.Target.Protocol); destProto != nil {
		if err := destProto.CheckID(destID); err != nil {
			return clientErrorf(400, "follow %s: invalid target id %q: %v", obj.ID, destID, err)
		}
	}

	destObj := &domain.Object{ID: destID, OurAS1: dest, SourceProtocol: target.Target.Protocol}
	if err := protocol.PutObject(d.DB, destObj); err != nil {
		return err
	}

	destKey := domain.IdentityKey{Protocol: target.Target.Protocol, ID: destID}
	keyBits := 2048
	if d.Conf != nil && d.Conf.Conf.KeyBits != 0 {
		keyBits = d.Conf.Conf.KeyBits
	}
	destIdent, err := d.DB.GetOrCreateIdentity(destKey, false, keyBits)
	if err != nil {
		return err
	}
	if destIdent.ObjID == "" {
		if err := d.DB.UpdateIdentityObj(destKey, destID); err != nil {
			return err
		}
	}

	_, err = d.DB.GetOrCreateFollower(user.Key, destKey, &db.FollowerMerge{
		Status:   domain.FollowerActive,
		FollowID: obj.ID,
	})
	return err
}

// moveTarget moves target out of undelivered into the given list.
func moveTarget(obj *domain.Object, target domain.Target, dest *[]domain.Target) {
	out := obj.Undelivered[:0]
	for _, t := range obj.Undelivered {
		if t != target {
			out = append(out, t)
		}
	}
	obj.Undelivered = out
	*dest = append(*dest, target)
}

func mergeUsers(users []domain.IdentityKey, key domain.IdentityKey) []domain.IdentityKey {
	for _, u := range users {
		if u == key {
			return users
		}
	}
	return append(users, key)
}
