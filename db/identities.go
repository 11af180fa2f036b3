package db

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/util"
)

const (
	sqlInsertIdentity = `INSERT INTO identities(protocol, id, obj_id, mod, public_exponent, private_exponent, p256_key, direct, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(protocol, id) DO NOTHING`

	sqlSelectIdentity = `SELECT protocol, id, obj_id, mod, public_exponent, private_exponent, p256_key,
		use_instead_protocol, use_instead_id, direct, created_at, updated_at
		FROM identities WHERE protocol = ? AND id = ?`

	sqlUpdateIdentityDirect = `UPDATE identities SET direct = 1, updated_at = ? WHERE protocol = ? AND id = ?`

	sqlUpdateIdentityObj = `UPDATE identities SET obj_id = ?, updated_at = ? WHERE protocol = ? AND id = ?`

	sqlUpdateIdentityUseInstead = `UPDATE identities SET use_instead_protocol = ?, use_instead_id = ?, updated_at = ?
		WHERE protocol = ? AND id = ?`
)

// Protocol labels that own their signing keys natively; an identity never
// gets bridge-generated keys for its own protocol.
const (
	labelActivityPub = "activitypub"
	labelATProto     = "atproto"
)

// maximum use_instead hops before giving up on a redirect chain
const maxRedirects = 10

// GetOrCreateIdentity returns the identity for key, creating it if needed.
// Key material for all protocols except the identity's own is generated
// before the insert transaction opens, so slow keygen can't hold locks or
// corrupt a retried transaction. An existing identity's direct flag is
// escalated false -> true if the caller now asserts directness.
func (db *DB) GetOrCreateIdentity(key domain.IdentityKey, direct bool, keyBits int) (*domain.Identity, error) {
	existing, err := db.ReadIdentity(key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if direct && !existing.Direct {
			log.Printf("Setting %s direct=true", key)
			if err := db.wrapTransaction(func(tx *sql.Tx) error {
				_, err := tx.Exec(sqlUpdateIdentityDirect, time.Now().UTC(), key.Protocol, key.ID)
				return err
			}); err != nil {
				return nil, err
			}
			existing.Direct = true
		}
		return existing, nil
	}

	// generate keys for all protocols _except_ our own. RSA generation does
	// nontrivial modular exponentiation and can take a while.
	ident := &domain.Identity{Key: key, Direct: direct}
	if key.Protocol != labelActivityPub {
		magic, err := util.GenerateMagicKey(keyBits)
		if err != nil {
			return nil, err
		}
		ident.MagicKey = *magic
	}
	if key.Protocol != labelATProto {
		p256, err := util.GenerateP256Key()
		if err != nil {
			return nil, err
		}
		ident.P256Key = p256
	}

	now := time.Now().UTC()
	ident.CreatedAt = now
	ident.UpdatedAt = now

	err = db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertIdentity, key.Protocol, key.ID, ident.ObjID,
			ident.MagicKey.Mod, ident.MagicKey.PublicExponent, ident.MagicKey.PrivateExponent,
			ident.P256Key, boolToInt(direct), now, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	// reread: a concurrent creator may have won the insert race
	created, err := db.ReadIdentity(key)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, fmt.Errorf("identity %s vanished after insert", key)
	}

	log.Printf("Created new identity %s (direct=%v)", key, created.Direct)
	return created, nil
}

// ReadIdentity returns the identity for key, transparently following
// use_instead redirects to a fixed point. Returns nil if not found.
func (db *DB) ReadIdentity(key domain.IdentityKey) (*domain.Identity, error) {
	for i := 0; i < maxRedirects; i++ {
		ident, err := db.readIdentityRaw(key)
		if err != nil || ident == nil {
			return nil, err
		}
		if ident.UseInstead.IsZero() {
			return ident, nil
		}
		key = ident.UseInstead
	}
	return nil, fmt.Errorf("use_instead chain for %s exceeds %d hops", key, maxRedirects)
}

func (db *DB) readIdentityRaw(key domain.IdentityKey) (*domain.Identity, error) {
	row := db.db.QueryRow(sqlSelectIdentity, key.Protocol, key.ID)
	ident, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ident, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*domain.Identity, error) {
	var ident domain.Identity
	var objID, useProto, useID sql.NullString
	var direct int
	err := row.Scan(&ident.Key.Protocol, &ident.Key.ID, &objID,
		&ident.MagicKey.Mod, &ident.MagicKey.PublicExponent, &ident.MagicKey.PrivateExponent,
		&ident.P256Key, &useProto, &useID, &direct, &ident.CreatedAt, &ident.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ident.ObjID = objID.String
	ident.UseInstead = domain.IdentityKey{Protocol: useProto.String, ID: useID.String}
	ident.Direct = direct != 0
	return &ident, nil
}

// ReadIdentities batch-resolves identities for the given keys in one query.
// Redirected or missing identities come back as nil in the result map.
func (db *DB) ReadIdentities(keys []domain.IdentityKey) (map[domain.IdentityKey]*domain.Identity, error) {
	out := make(map[domain.IdentityKey]*domain.Identity, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	var clauses []string
	var args []any
	for _, key := range keys {
		clauses = append(clauses, "(protocol = ? AND id = ?)")
		args = append(args, key.Protocol, key.ID)
	}

	query := `SELECT protocol, id, obj_id, mod, public_exponent, private_exponent, p256_key,
		use_instead_protocol, use_instead_id, direct, created_at, updated_at
		FROM identities WHERE ` + strings.Join(clauses, " OR ")

	rows, err := db.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out[ident.Key] = ident
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// follow redirects individually; rare enough that per-key reads are fine
	for key, ident := range out {
		if ident != nil && !ident.UseInstead.IsZero() {
			resolved, err := db.ReadIdentity(ident.UseInstead)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
	}

	return out, nil
}

// UpdateIdentityObj points the identity's profile object reference at objID.
func (db *DB) UpdateIdentityObj(key domain.IdentityKey, objID string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateIdentityObj, objID, time.Now().UTC(), key.Protocol, key.ID)
		return err
	})
}

// UpdateIdentityUseInstead soft-retires the identity in favor of target.
func (db *DB) UpdateIdentityUseInstead(key, target domain.IdentityKey) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateIdentityUseInstead, target.Protocol, target.ID,
			time.Now().UTC(), key.Protocol, key.ID)
		return err
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
