package domain

import (
	"encoding/json"
	"log"
	"time"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/as1"
)

// Object statuses, in lifecycle order.
const (
	StatusNew        = "new"
	StatusInProgress = "in progress"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
	StatusIgnored    = "ignored"
)

// Object labels.
const (
	LabelActivity     = "activity"
	LabelFeed         = "feed"
	LabelNotification = "notification"
	LabelUser         = "user"
)

// ExpireTypes are the AS1 types whose Objects are ephemeral and get a
// computed expiry. The empty string covers untyped objects.
var ExpireTypes = map[string]bool{
	"post":   true,
	"update": true,
	"delete": true,
	"accept": true,
	"reject": true,
	"undo":   true,
	"":       true,
}

// ExpireAge is how long ephemeral Objects are retained.
const ExpireAge = 90 * 24 * time.Hour

// Target is one outbound delivery destination: a protocol-specific endpoint
// URI (ActivityPub inbox, webmention endpoint, ...) plus its protocol label.
// Targets live inside an Object's target lists and are not stored on their
// own.
type Target struct {
	URI      string `json:"uri"`
	Protocol string `json:"protocol"`
}

// Object is the canonical record of one piece of federated content: an
// activity, an actor profile, or a plain post. The id is the content's
// globally unique id under its originating protocol.
type Object struct {
	ID string

	// exactly one of these native payloads should be populated
	AS2    map[string]any // ActivityStreams 2
	Bsky   map[string]any // Bluesky / AT Protocol record
	MF2    map[string]any // microformats2 item
	OurAS1 map[string]any // AS1 for activities we synthesize ourselves

	SourceProtocol string
	Status         string
	Labels         []string

	// identities this activity is to or from
	Users []IdentityKey

	Deleted bool

	Delivered   []Target
	Undelivered []Target
	Failed      []Target

	CreatedAt time.Time
	UpdatedAt time.Time

	// derived at write time from the native payload; never persisted
	AS1       map[string]any
	Type      string
	ObjectIDs []string
	ExpireAt  time.Time

	// set by protocol.Load: no prior stored object existed / the stored
	// native payload differs from the freshly fetched one
	New     bool
	Changed bool
}

// Derive recomputes the computed fields (common representation, type, inner
// object ids, expiry) from the native payload. Called on every write and
// after every read from storage.
func (o *Object) Derive() {
	populated := 0
	for _, payload := range []map[string]any{o.AS2, o.Bsky, o.MF2} {
		if payload != nil {
			populated++
		}
	}
	if populated > 1 {
		log.Printf("Warning: Object %s has multiple native payloads (as2=%v bsky=%v mf2=%v)",
			o.ID, o.AS2 != nil, o.Bsky != nil, o.MF2 != nil)
	}

	switch {
	case o.OurAS1 != nil:
		o.AS1 = o.OurAS1
	case o.AS2 != nil:
		o.AS1 = as1.FromAS2(o.AS2)
	case o.Bsky != nil:
		// AT Protocol records need the full repo context to convert; routing
		// treats them as opaque until that lands
		log.Printf("Warning: Object %s has a bsky payload, no AS1 derivation available", o.ID)
		o.AS1 = nil
	case o.MF2 != nil:
		o.AS1 = as1.FromMF2(o.MF2)
	default:
		o.AS1 = nil
	}

	o.Type = as1.ObjectType(o.AS1)
	o.ObjectIDs = as1.GetIDs(o.AS1, "object")

	// keep the activity label consistent with the derived representation
	if as1.IsActivity(o.AS1) {
		if !o.HasLabel(LabelActivity) {
			o.Labels = append(o.Labels, LabelActivity)
		}
	} else {
		o.removeLabel(LabelActivity)
	}

	if ExpireTypes[o.Type] {
		updated := o.UpdatedAt
		if updated.IsZero() {
			updated = time.Now().UTC()
		}
		o.ExpireAt = updated.Add(ExpireAge)
	} else {
		o.ExpireAt = time.Time{}
	}
}

// HasLabel reports whether the Object carries the given label.
func (o *Object) HasLabel(label string) bool {
	for _, l := range o.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// AddLabel appends a label if it is not already present.
func (o *Object) AddLabel(label string) {
	if !o.HasLabel(label) {
		o.Labels = append(o.Labels, label)
	}
}

func (o *Object) removeLabel(label string) {
	out := o.Labels[:0]
	for _, l := range o.Labels {
		if l != label {
			out = append(out, l)
		}
	}
	o.Labels = out
}

// Native returns the populated native payload, preferring OurAS1.
func (o *Object) Native() map[string]any {
	switch {
	case o.OurAS1 != nil:
		return o.OurAS1
	case o.AS2 != nil:
		return o.AS2
	case o.Bsky != nil:
		return o.Bsky
	case o.MF2 != nil:
		return o.MF2
	}
	return nil
}

// SameNative reports whether two Objects carry equivalent native payloads,
// the content-hash-equivalent comparison behind idempotence decisions.
func (o *Object) SameNative(other *Object) bool {
	if other == nil {
		return false
	}
	return jsonEqual(o.AS2, other.AS2) &&
		jsonEqual(o.Bsky, other.Bsky) &&
		jsonEqual(o.MF2, other.MF2) &&
		jsonEqual(o.OurAS1, other.OurAS1)
}

// Copy returns a deep copy of the Object without derived fields or the
// New/Changed flags, so later in-memory mutation of the original cannot
// leak through shared maps or slices.
func (o *Object) Copy() *Object {
	cp := &Object{
		ID:             o.ID,
		AS2:            copyDoc(o.AS2),
		Bsky:           copyDoc(o.Bsky),
		MF2:            copyDoc(o.MF2),
		OurAS1:         copyDoc(o.OurAS1),
		SourceProtocol: o.SourceProtocol,
		Status:         o.Status,
		Labels:         append([]string(nil), o.Labels...),
		Users:          append([]IdentityKey(nil), o.Users...),
		Deleted:        o.Deleted,
		Delivered:      append([]Target(nil), o.Delivered...),
		Undelivered:    append([]Target(nil), o.Undelivered...),
		Failed:         append([]Target(nil), o.Failed...),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
	return cp
}

func copyDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		log.Printf("Warning: failed to copy document: %v", err)
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(buf, &out); err != nil {
		log.Printf("Warning: failed to copy document: %v", err)
		return nil
	}
	return out
}

func jsonEqual(a, b map[string]any) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
