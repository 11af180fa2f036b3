package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/util"
)

// IdentityKey is the composite key of an Identity: its protocol label plus
// its protocol-specific id (domain, handle, actor URI, ...).
type IdentityKey struct {
	Protocol string
	ID       string
}

func (k IdentityKey) String() string {
	return fmt.Sprintf("%s:%s", k.Protocol, k.ID)
}

func (k IdentityKey) IsZero() bool {
	return k.Protocol == "" && k.ID == ""
}

// ParseIdentityKey parses the "protocol:id" form produced by String.
func ParseIdentityKey(s string) (IdentityKey, error) {
	label, id, found := strings.Cut(s, ":")
	if !found || label == "" || id == "" {
		return IdentityKey{}, fmt.Errorf("bad identity key %q", s)
	}
	return IdentityKey{Protocol: label, ID: id}, nil
}

// Identity is a registered actor under one protocol. It stores the keypairs
// needed for the other supported protocols:
//
//   - RSA keypair for ActivityPub HTTP Signatures, modulus and exponents
//     encoded as base64url (Magic Signatures form)
//   - P-256 key for AT Protocol repo signing, PEM encoded
type Identity struct {
	Key IdentityKey

	// profile Object id, loaded on demand
	ObjID string

	MagicKey util.MagicKey
	P256Key  string

	// UseInstead redirects all reads to another identity, eg a www
	// subdomain retired in favor of its root domain.
	UseInstead IdentityKey

	// Direct is whether this identity signed up or otherwise explicitly,
	// deliberately interacted with the bridge, as opposed to being
	// auto-created as a side effect of being referenced.
	Direct bool

	CreatedAt time.Time
	UpdatedAt time.Time

	// profile Object, cached per in-memory session
	obj *Object
}

// Href returns this identity's magic-public-key data URI.
func (i *Identity) Href() string {
	return fmt.Sprintf("data:application/magic-public-key,RSA.%s.%s",
		i.MagicKey.Mod, i.MagicKey.PublicExponent)
}

// Obj returns the cached profile Object, if one was attached.
func (i *Identity) Obj() *Object {
	return i.obj
}

// SetObj attaches the profile Object and records its id.
func (i *Identity) SetObj(obj *Object) {
	i.obj = obj
	if obj != nil {
		i.ObjID = obj.ID
	} else {
		i.ObjID = ""
	}
}

// Name returns this identity's human-readable name, falling back to its id.
func (i *Identity) Name() string {
	if i.obj != nil && i.obj.AS1 != nil {
		if name, _ := i.obj.AS1["displayName"].(string); name != "" {
			return name
		}
	}
	return i.Key.ID
}
