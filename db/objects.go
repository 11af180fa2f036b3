package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
)

// Fragment separators in foreign ids collide with the separator we use for
// synthesized sub-ids, so stored keys escape "#" to "^^". The mapping is a
// bijection and part of the storage format: it must round-trip exactly.
const (
	fragmentChar = "#"
	escapeToken  = "^^"
)

// EscapeID converts a raw object id to its storage key form. A raw id that
// already contains the escape token would break the bijection and is
// rejected.
func EscapeID(id string) (string, error) {
	if strings.Contains(id, escapeToken) {
		return "", fmt.Errorf("raw id %q contains reserved token %q", id, escapeToken)
	}
	return strings.ReplaceAll(id, fragmentChar, escapeToken), nil
}

// UnescapeID converts a storage key back to the raw object id.
func UnescapeID(key string) string {
	return strings.ReplaceAll(key, escapeToken, fragmentChar)
}

const (
	sqlUpsertObject = `INSERT INTO objects(id, as2, bsky, mf2, our_as1, source_protocol, status,
		labels, users, deleted, delivered, undelivered, failed, created_at, updated_at, expire_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			as2 = excluded.as2,
			bsky = excluded.bsky,
			mf2 = excluded.mf2,
			our_as1 = excluded.our_as1,
			source_protocol = excluded.source_protocol,
			status = excluded.status,
			labels = excluded.labels,
			users = excluded.users,
			deleted = excluded.deleted,
			delivered = excluded.delivered,
			undelivered = excluded.undelivered,
			failed = excluded.failed,
			updated_at = excluded.updated_at,
			expire_at = excluded.expire_at`

	sqlSelectObject = `SELECT id, as2, bsky, mf2, our_as1, source_protocol, status,
		labels, users, deleted, delivered, undelivered, failed, created_at, updated_at
		FROM objects WHERE id = ?`

	sqlSelectObjectsByUser = `SELECT id, as2, bsky, mf2, our_as1, source_protocol, status,
		labels, users, deleted, delivered, undelivered, failed, created_at, updated_at
		FROM objects WHERE users LIKE ? AND (? = '' OR status = ?) ORDER BY updated_at DESC LIMIT ?`

	sqlDeleteExpiredObjects = `DELETE FROM objects WHERE expire_at IS NOT NULL AND expire_at < ?`
)

// PutObject derives the Object's computed fields, validates the target list
// invariant and persists it. Multiple populated native payloads are a
// logged data-quality anomaly, not an error; Derive logs and picks by
// precedence.
func (db *DB) PutObject(obj *domain.Object) error {
	now := time.Now().UTC()
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = now
	}
	obj.UpdatedAt = now
	obj.Derive()

	if err := checkTargetLists(obj); err != nil {
		return err
	}

	key, err := EscapeID(obj.ID)
	if err != nil {
		return err
	}

	var expireAt any
	if !obj.ExpireAt.IsZero() {
		expireAt = obj.ExpireAt
	}

	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertObject, key,
			jsonColumn(obj.AS2), jsonColumn(obj.Bsky), jsonColumn(obj.MF2), jsonColumn(obj.OurAS1),
			obj.SourceProtocol, obj.Status,
			mustJSON(obj.Labels), string(mustJSON(identityKeyStrings(obj.Users))), boolToInt(obj.Deleted),
			mustJSON(obj.Delivered), mustJSON(obj.Undelivered), mustJSON(obj.Failed),
			obj.CreatedAt, obj.UpdatedAt, expireAt)
		return err
	})
}

// ReadObject returns the stored Object for the raw (unescaped) id, with
// computed fields re-derived, or nil if absent.
func (db *DB) ReadObject(id string) (*domain.Object, error) {
	key, err := EscapeID(id)
	if err != nil {
		return nil, err
	}

	row := db.db.QueryRow(sqlSelectObject, key)
	obj, err := scanObject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// ReadObjectsByUser returns the user's most recent objects, newest first.
// An empty status matches any status.
func (db *DB) ReadObjectsByUser(user domain.IdentityKey, status string, limit int) ([]*domain.Object, error) {
	pattern := "%" + string(mustJSON(user.String())) + "%"
	rows, err := db.db.Query(sqlSelectObjectsByUser, pattern, status, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

// DeleteExpiredObjects sweeps Objects whose computed expiry has passed.
func (db *DB) DeleteExpiredObjects(now time.Time) (int64, error) {
	res, err := db.db.Exec(sqlDeleteExpiredObjects, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanObject(row rowScanner) (*domain.Object, error) {
	var obj domain.Object
	var key string
	var as2, bsky, mf2, ourAS1 sql.NullString
	var sourceProtocol, status sql.NullString
	var labels, users, delivered, undelivered, failed string
	var deleted int

	err := row.Scan(&key, &as2, &bsky, &mf2, &ourAS1, &sourceProtocol, &status,
		&labels, &users, &deleted, &delivered, &undelivered, &failed,
		&obj.CreatedAt, &obj.UpdatedAt)
	if err != nil {
		return nil, err
	}

	obj.ID = UnescapeID(key)
	obj.SourceProtocol = sourceProtocol.String
	obj.Status = status.String
	obj.Deleted = deleted != 0

	for _, col := range []struct {
		val  sql.NullString
		dest *map[string]any
	}{
		{as2, &obj.AS2}, {bsky, &obj.Bsky}, {mf2, &obj.MF2}, {ourAS1, &obj.OurAS1},
	} {
		if col.val.Valid && col.val.String != "" {
			if err := json.Unmarshal([]byte(col.val.String), col.dest); err != nil {
				return nil, fmt.Errorf("bad payload in object %s: %w", obj.ID, err)
			}
		}
	}

	if err := json.Unmarshal([]byte(labels), &obj.Labels); err != nil {
		return nil, err
	}
	var userStrs []string
	if err := json.Unmarshal([]byte(users), &userStrs); err != nil {
		return nil, err
	}
	for _, s := range userStrs {
		ukey, err := domain.ParseIdentityKey(s)
		if err != nil {
			return nil, err
		}
		obj.Users = append(obj.Users, ukey)
	}
	for _, col := range []struct {
		val  string
		dest *[]domain.Target
	}{
		{delivered, &obj.Delivered}, {undelivered, &obj.Undelivered}, {failed, &obj.Failed},
	} {
		if err := json.Unmarshal([]byte(col.val), col.dest); err != nil {
			return nil, err
		}
	}

	obj.Derive()
	return &obj, nil
}

// checkTargetLists enforces the pairwise-disjoint invariant on the three
// target lists.
func checkTargetLists(obj *domain.Object) error {
	seen := make(map[domain.Target]string)
	for _, list := range []struct {
		name    string
		targets []domain.Target
	}{
		{"delivered", obj.Delivered}, {"undelivered", obj.Undelivered}, {"failed", obj.Failed},
	} {
		for _, target := range list.targets {
			if prev, ok := seen[target]; ok && prev != list.name {
				return fmt.Errorf("object %s: target %s in both %s and %s",
					obj.ID, target.URI, prev, list.name)
			}
			seen[target] = list.name
		}
	}
	return nil
}

func jsonColumn(doc map[string]any) any {
	if doc == nil {
		return nil
	}
	return string(mustJSON(doc))
}

func mustJSON(val any) []byte {
	buf, err := json.Marshal(val)
	if err != nil {
		panic(err)
	}
	return buf
}

func identityKeyStrings(keys []domain.IdentityKey) []string {
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = key.String()
	}
	return out
}
