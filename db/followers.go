package db

import (
	"database/sql"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	"github.com/google/uuid"
)

const (
	sqlSelectFollowerPair = `SELECT id, from_protocol, from_id, to_protocol, to_id, status, follow_id, created_at, updated_at
		FROM followers WHERE from_protocol = ? AND from_id = ? AND to_protocol = ? AND to_id = ?`

	sqlInsertFollower = `INSERT INTO followers(id, from_protocol, from_id, to_protocol, to_id, status, follow_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_protocol, from_id, to_protocol, to_id) DO NOTHING`

	sqlUpdateFollower = `UPDATE followers SET status = ?, follow_id = ?, updated_at = ? WHERE id = ?`

	sqlSelectActiveFollowers = `SELECT id, from_protocol, from_id, to_protocol, to_id, status, follow_id, created_at, updated_at
		FROM followers WHERE to_protocol = ? AND to_id = ? AND status = 'active'`
)

// FollowerMerge carries fields to merge into an existing edge on
// get-or-create, eg reactivating a previously inactive edge.
type FollowerMerge struct {
	Status   string
	FollowID string
}

// GetOrCreateFollower idempotently returns the edge from -> to, creating it
// under the pair's uniqueness constraint if needed. When the edge already
// exists, merge fields are applied and persisted only if something changed.
// The two identities must belong to different protocols; the bridge doesn't
// federate within one protocol, excepting the fake test pair.
func (db *DB) GetOrCreateFollower(from, to domain.IdentityKey, merge *FollowerMerge) (*domain.Follower, error) {
	if from.Protocol == to.Protocol &&
		!(from.Protocol == domain.FakeProtocol && to.Protocol == domain.FakeProtocol) {
		return nil, fmt.Errorf("follower %s -> %s: same-protocol edges are not bridged", from, to)
	}

	status := domain.FollowerActive
	followID := ""
	if merge != nil {
		if merge.Status != "" {
			status = merge.Status
		}
		followID = merge.FollowID
	}

	now := time.Now().UTC()
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollower, uuid.New().String(),
			from.Protocol, from.ID, to.Protocol, to.ID, status, followID, now, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	edge, err := db.readFollowerPair(from, to)
	if err != nil {
		return nil, err
	}
	if edge == nil {
		return nil, fmt.Errorf("follower %s -> %s vanished after insert", from, to)
	}

	if merge != nil {
		changed := false
		if merge.Status != "" && edge.Status != merge.Status {
			edge.Status = merge.Status
			changed = true
		}
		if merge.FollowID != "" && edge.FollowID != merge.FollowID {
			edge.FollowID = merge.FollowID
			changed = true
		}
		if changed {
			edge.UpdatedAt = time.Now().UTC()
			err := db.wrapTransaction(func(tx *sql.Tx) error {
				_, err := tx.Exec(sqlUpdateFollower, edge.Status, edge.FollowID, edge.UpdatedAt, edge.Id.String())
				return err
			})
			if err != nil {
				return nil, err
			}
			log.Printf("Updated follower %s -> %s (status=%s)", from, to, edge.Status)
		}
	}

	return edge, nil
}

func (db *DB) readFollowerPair(from, to domain.IdentityKey) (*domain.Follower, error) {
	row := db.db.QueryRow(sqlSelectFollowerPair, from.Protocol, from.ID, to.Protocol, to.ID)
	edge, err := scanFollower(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return edge, err
}

// ActiveFollowers returns every active edge pointing at owner, for fan-out.
func (db *DB) ActiveFollowers(owner domain.IdentityKey) ([]domain.Follower, error) {
	rows, err := db.db.Query(sqlSelectActiveFollowers, owner.Protocol, owner.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Follower
	for rows.Next() {
		edge, err := scanFollower(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *edge)
	}
	return out, rows.Err()
}

// FollowerPage fetches one fixed-size page of active edges for owner.
// Direction is "followers" (edges pointing at owner) or "following" (edges
// from owner). Paging uses the before/after timestamps on the edges'
// updated column; at most one may be set. Returns the page plus the
// before/after cursor values for the neighboring pages, and hydrates the
// opposite-side identity of every edge in one batch query.
func (db *DB) FollowerPage(owner domain.IdentityKey, direction string, before, after *time.Time) ([]domain.Follower, string, string, error) {
	if direction != "followers" && direction != "following" {
		return nil, "", "", fmt.Errorf("bad direction %q", direction)
	}
	if before != nil && after != nil {
		return nil, "", "", fmt.Errorf("can't handle both before and after")
	}

	filterCol := "to_protocol = ? AND to_id = ?"
	if direction == "following" {
		filterCol = "from_protocol = ? AND from_id = ?"
	}

	query := `SELECT id, from_protocol, from_id, to_protocol, to_id, status, follow_id, created_at, updated_at
		FROM followers WHERE status = 'active' AND ` + filterCol
	args := []any{owner.Protocol, owner.ID}

	switch {
	case after != nil:
		query += " AND updated_at >= ? ORDER BY updated_at ASC"
		args = append(args, *after)
	case before != nil:
		query += " AND updated_at < ? ORDER BY updated_at DESC"
		args = append(args, *before)
	default:
		query += " ORDER BY updated_at DESC"
	}

	// one-row lookahead decides whether neighboring pages exist
	query += " LIMIT ?"
	args = append(args, PageSize+1)

	rows, err := db.db.Query(query, args...)
	if err != nil {
		return nil, "", "", err
	}
	defer rows.Close()

	var edges []domain.Follower
	for rows.Next() {
		edge, err := scanFollower(rows)
		if err != nil {
			return nil, "", "", err
		}
		edges = append(edges, *edge)
	}
	if err := rows.Err(); err != nil {
		return nil, "", "", err
	}

	hasNext := len(edges) > PageSize
	if hasNext {
		edges = edges[:PageSize]
	}

	// display order is always most-recently-updated first
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].UpdatedAt.After(edges[j].UpdatedAt)
	})

	var newBefore, newAfter string
	if before != nil {
		newAfter = before.Format(time.RFC3339Nano)
	} else if after != nil && hasNext && len(edges) > 0 {
		newAfter = edges[0].UpdatedAt.Format(time.RFC3339Nano)
	}
	if after != nil {
		newBefore = after.Format(time.RFC3339Nano)
	} else if hasNext && len(edges) > 0 {
		newBefore = edges[len(edges)-1].UpdatedAt.Format(time.RFC3339Nano)
	}

	if err := db.hydrateFollowers(edges, direction); err != nil {
		return nil, "", "", err
	}

	return edges, newBefore, newAfter, nil
}

// hydrateFollowers batch-resolves the opposite-side identity for each edge.
func (db *DB) hydrateFollowers(edges []domain.Follower, direction string) error {
	keys := make([]domain.IdentityKey, 0, len(edges))
	for _, edge := range edges {
		if direction == "followers" {
			keys = append(keys, edge.From)
		} else {
			keys = append(keys, edge.To)
		}
	}

	idents, err := db.ReadIdentities(keys)
	if err != nil {
		return err
	}

	for i := range edges {
		key := edges[i].From
		if direction == "following" {
			key = edges[i].To
		}
		edges[i].User = idents[key]
	}
	return nil
}

func scanFollower(row rowScanner) (*domain.Follower, error) {
	var edge domain.Follower
	var id string
	var followID sql.NullString
	err := row.Scan(&id, &edge.From.Protocol, &edge.From.ID, &edge.To.Protocol, &edge.To.ID,
		&edge.Status, &followID, &edge.CreatedAt, &edge.UpdatedAt)
	if err != nil {
		return nil, err
	}
	edge.Id, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	edge.FollowID = followID.String
	return &edge, nil
}
