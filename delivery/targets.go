package delivery

import (
	"fmt"
	"log"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/as1"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/protocol"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/util"
)

// TargetingPolicy maps verbs to targeting behavior. The exact mapping of
// which explicit-target verbs also fan out to followers grew out of
// observed behavior across protocols, so it's policy, not law.
type TargetingPolicy struct {
	// verbs whose explicit object ids are delivery targets
	ExplicitObjectVerbs map[string]bool
	// verbs that fan out to followers even when they have a narrow target
	AlsoFanoutVerbs map[string]bool
}

func DefaultPolicy() TargetingPolicy {
	return TargetingPolicy{
		ExplicitObjectVerbs: as1.VerbsWithObject,
		AlsoFanoutVerbs:     map[string]bool{"share": true},
	}
}

// defaultBlocklist holds domains we never deliver to: aggregators and
// self-referential bridge domains.
var defaultBlocklist = []string{
	"fed.brid.gy",
	"bsky.brid.gy",
	"brid.gy",
	"localhost",
}

// ResolvedTarget is one de-duplicated delivery destination plus the
// informational document resolved for it, in resolution order.
type ResolvedTarget struct {
	Target domain.Target
	Doc    map[string]any
}

// ResolveTargets computes the distinct delivery endpoints for an outbound
// activity: explicit reply/object targets when present, the acting
// identity's active followers otherwise (and additionally for fan-out
// verbs). Multiple candidates resolving to the same endpoint collapse to
// one delivery; the last resolved document wins.
func (d *Deliverer) ResolveTargets(user *domain.Identity, obj *domain.Object) ([]ResolvedTarget, error) {
	verb := as1.GetString(obj.AS1, "verb")

	candidates := as1.GetURLs(obj.AS1, "inReplyTo")
	if len(candidates) > 0 {
		log.Printf("Targets from inReplyTo: %v", candidates)
	} else if d.Policy.ExplicitObjectVerbs[verb] {
		candidates = as1.GetURLs(obj.AS1, "object")
		log.Printf("Targets from object: %v", candidates)
	}

	candidates = d.removeBlocklisted(candidates)

	var resolved []ResolvedTarget
	byEndpoint := make(map[string]int)

	add := func(target domain.Target, doc map[string]any) {
		if idx, ok := byEndpoint[target.URI]; ok {
			if doc != nil {
				resolved[idx].Doc = doc
			}
			return
		}
		byEndpoint[target.URI] = len(resolved)
		resolved = append(resolved, ResolvedTarget{Target: target, Doc: doc})
	}

	var lastDoc map[string]any
	for _, candidate := range candidates {
		target, doc, err := d.resolveExplicit(candidate)
		if err != nil {
			return nil, err
		}
		if target == nil {
			continue
		}
		lastDoc = doc
		add(*target, doc)
	}

	if len(candidates) == 0 || d.Policy.AlsoFanoutVerbs[verb] {
		log.Printf("Delivering to followers of %s", user.Key)
		if err := d.fanout(user, verb, lastDoc, add); err != nil {
			return nil, err
		}
	}

	return resolved, nil
}

// targetResolver lets a protocol adapter override endpoint discovery for
// objects it owns. Webmention recipients are addressed by page URL, not
// by an inbox field.
type targetResolver interface {
	TargetFor(obj *domain.Object) string
}

// resolveExplicit resolves one explicit target candidate to its delivery
// endpoint: a direct endpoint field on the loaded object, else its
// actor/attributedTo's endpoint, following one more hop when that's only a
// reference. A candidate without any resolvable endpoint is dropped with a
// logged error; transport failures propagate.
func (d *Deliverer) resolveExplicit(candidate string) (*domain.Target, map[string]any, error) {
	proto := protocol.ForID(candidate)
	if proto == nil {
		log.Printf("Error: no protocol owns target %s, skipping", candidate)
		return nil, nil, nil
	}

	loaded, err := protocol.Load(d.DB, proto, candidate, false)
	if err != nil {
		if protocol.IsTransport(err) {
			return nil, nil, fmt.Errorf("failed to resolve target %s: %w", candidate, err)
		}
		// soft failure, eg an HTML page where an activity should be
		log.Printf("Error: target %s is not a resolvable object (%v), skipping", candidate, err)
		return nil, nil, nil
	}

	doc := loaded.AS1

	if tr, ok := proto.(targetResolver); ok {
		endpoint := tr.TargetFor(loaded)
		if endpoint == "" {
			log.Printf("Error: target %s has no resolvable endpoint, skipping", candidate)
			return nil, nil, nil
		}
		return &domain.Target{URI: endpoint, Protocol: proto.Label()}, doc, nil
	}

	endpoint := as1.GetString(doc, "inbox")

	if endpoint == "" {
		actor := as1.GetObject(doc, "actor")
		if actor == nil {
			actor = as1.GetObject(doc, "author")
		}
		if actor != nil {
			endpoint = as1.GetString(actor, "inbox")
			if endpoint == "" {
				// the actor is itself only a reference; one more hop
				actorID, _ := actor["id"].(string)
				if actorID == "" {
					actorID, _ = actor["url"].(string)
				}
				if actorID != "" {
					actorObj, err := protocol.Load(d.DB, proto, actorID, false)
					if err != nil {
						if protocol.IsTransport(err) {
							return nil, nil, fmt.Errorf("failed to resolve actor %s: %w", actorID, err)
						}
						log.Printf("Error: actor %s of target %s not loadable (%v), skipping", actorID, candidate, err)
						return nil, nil, nil
					}
					endpoint = as1.GetString(actorObj.AS1, "inbox")
				}
			}
		}
	}

	if endpoint == "" {
		log.Printf("Error: target %s has no resolvable endpoint, skipping", candidate)
		return nil, nil, nil
	}

	return &domain.Target{URI: endpoint, Protocol: proto.Label()}, doc, nil
}

// fanout resolves every active follower's endpoint, preferring a
// shared/broadcast endpoint over an individual one. Followers without any
// endpoint are dropped with a logged error.
func (d *Deliverer) fanout(user *domain.Identity, verb string, lastDoc map[string]any, add func(domain.Target, map[string]any)) error {
	edges, err := d.DB.ActiveFollowers(user.Key)
	if err != nil {
		return err
	}

	for _, edge := range edges {
		follower, err := d.DB.ReadIdentity(edge.From)
		if err != nil {
			return err
		}
		if follower == nil {
			log.Printf("Error: follower %s has no identity record", edge.From)
			continue
		}

		endpoint := d.followerEndpoint(follower)
		if endpoint == "" {
			log.Printf("Error: follower %s has no resolvable endpoint", edge.From)
			continue
		}

		// reposts carry the resolved target document so recipients see the
		// original's resolved id
		var doc map[string]any
		if verb == "share" {
			doc = lastDoc
		}
		add(domain.Target{URI: endpoint, Protocol: edge.From.Protocol}, doc)
	}
	return nil
}

// followerEndpoint inspects the follower's profile object for a shared
// inbox first, then an individual one.
func (d *Deliverer) followerEndpoint(follower *domain.Identity) string {
	if follower.ObjID == "" {
		return ""
	}

	profile, err := protocol.LoadLocal(d.DB, follower.ObjID)
	if err != nil || profile == nil {
		return ""
	}

	if proto := protocol.For(follower.Key.Protocol); proto != nil {
		if tr, ok := proto.(targetResolver); ok {
			return tr.TargetFor(profile)
		}
	}

	doc := profile.AS1
	if endpoints, ok := doc["endpoints"].(map[string]any); ok {
		if shared, _ := endpoints["sharedInbox"].(string); shared != "" {
			return shared
		}
	}
	if public, _ := doc["publicInbox"].(string); public != "" {
		return public
	}
	return as1.GetString(doc, "inbox")
}

// removeBlocklisted filters candidate ids whose domain is known to not
// participate, including our own.
func (d *Deliverer) removeBlocklisted(candidates []string) []string {
	var out []string
	for _, candidate := range candidates {
		domainName := util.DomainFromLink(candidate)
		blocked := false
		for _, entry := range d.Blocklist {
			if domainName == entry {
				blocked = true
				break
			}
		}
		if blocked {
			log.Printf("Skipping blocklisted target %s", candidate)
			continue
		}
		out = append(out, candidate)
	}
	return out
}
