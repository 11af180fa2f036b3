// Package protocol holds the registry of supported federation protocols and
// the shared load path for canonical Objects.
package protocol

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
)

// SendResult carries the upstream response of a successful delivery, passed
// through as the synchronous HTTP response where possible.
type SendResult struct {
	Status int
	Body   string
}

// Protocol is one supported federation protocol. Implementations register
// themselves once at process start via Register.
type Protocol interface {
	// Label is the canonical protocol label, eg "activitypub".
	Label() string
	// Abbrev is the short label used in URL paths, eg "ap".
	Abbrev() string
	// OtherLabels are additional aliases, eg "webmention" for "web".
	OtherLabels() []string

	// CheckID validates an id against this protocol's identifier grammar.
	CheckID(id string) error

	// OwnsID reports whether a foreign id plausibly belongs to this
	// protocol, used to pick the owning protocol for explicit targets.
	OwnsID(id string) bool

	// ActorID is the actor id this protocol's peers should see for one of
	// our identities, eg the bridged AS2 actor URL of a web user.
	ActorID(user *domain.Identity) string

	// Fetch retrieves a foreign object by id. Returns ErrNotFound for gone
	// content, a *TransportError for network/5xx failures, and any other
	// error for malformed responses.
	Fetch(id string) (*domain.Object, error)

	// Send delivers obj to the given endpoint on behalf of from. Returns a
	// *TransportError for rejections and network failures.
	Send(obj *domain.Object, endpoint string, from *domain.Identity) (*SendResult, error)
}

// seedLabels are protocols we know about but that don't have their own
// implementations yet. They resolve to nil.
var seedLabels = []string{"bluesky", "ostatus"}

var (
	registryMu sync.RWMutex
	registry   = seedRegistry()
)

func seedRegistry() map[string]Protocol {
	m := make(map[string]Protocol)
	for _, label := range seedLabels {
		m[label] = nil
	}
	return m
}

// Register associates a protocol's labels with its implementation. Must be
// called once per protocol at process start; registering the same protocol
// value again is a no-op, a conflicting mapping panics.
func Register(p Protocol) {
	registryMu.Lock()
	defer registryMu.Unlock()

	labels := append([]string{p.Label(), p.Abbrev()}, p.OtherLabels()...)
	for _, label := range labels {
		if label == "" {
			continue
		}
		if existing, ok := registry[label]; ok && existing != nil && existing != p {
			panic(fmt.Sprintf("protocol label %q already registered to %T", label, existing))
		}
		registry[label] = p
	}

	log.Printf("Registered protocol %s (labels %v)", p.Label(), labels)
}

// For resolves a protocol label (canonical, abbrev, or alias) to its
// implementation. Returns nil for unknown or not-yet-implemented labels.
func For(label string) Protocol {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[label]
}

// ForID picks the protocol that owns a foreign id, asking each registered
// implementation in stable label order. Returns nil if nothing claims it.
func ForID(id string) Protocol {
	registryMu.RLock()
	defer registryMu.RUnlock()

	labels := make([]string, 0, len(registry))
	for label := range registry {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	seen := make(map[Protocol]bool)
	for _, label := range labels {
		p := registry[label]
		if p == nil || seen[p] {
			continue
		}
		seen[p] = true
		if p.OwnsID(id) {
			return p
		}
	}
	return nil
}

// Labels returns all registered labels, implemented or not.
func Labels() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]string, 0, len(registry))
	for label := range registry {
		out = append(out, label)
	}
	return out
}

// Reset restores the registry to its seed state and drops the object cache.
// Intended for tests only; production code registers once and never resets.
func Reset() {
	registryMu.Lock()
	registry = seedRegistry()
	registryMu.Unlock()
	objectCache.Purge()
}
