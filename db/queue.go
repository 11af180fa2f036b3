package db

import (
	"database/sql"
	"time"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	"github.com/google/uuid"
)

// ReceiveQueueItem is one enqueued unit of work for the delivery pipeline:
// resolve, envelope and deliver one piece of source content on behalf of an
// identity. The HTTP edge enqueues and returns; a worker drains.
type ReceiveQueueItem struct {
	Id          uuid.UUID
	User        domain.IdentityKey
	Source      string
	Force       bool
	Attempts    int
	NextRetryAt time.Time
	CreatedAt   time.Time
}

const (
	sqlInsertReceive = `INSERT INTO receive_queue(id, user_protocol, user_id, source, force, attempts, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`

	sqlSelectPendingReceives = `SELECT id, user_protocol, user_id, source, force, attempts, next_retry_at, created_at
		FROM receive_queue WHERE next_retry_at <= ? ORDER BY next_retry_at ASC LIMIT ?`

	sqlUpdateReceiveAttempt = `UPDATE receive_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`

	sqlDeleteReceive = `DELETE FROM receive_queue WHERE id = ?`
)

// EnqueueReceive adds a unit of work to the queue.
func (db *DB) EnqueueReceive(user domain.IdentityKey, source string, force bool) (uuid.UUID, error) {
	id := uuid.New()
	now := time.Now().UTC()
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertReceive, id.String(), user.Protocol, user.ID,
			source, boolToInt(force), now, now)
		return err
	})
	return id, err
}

// ReadPendingReceives returns up to limit units whose retry time has come.
func (db *DB) ReadPendingReceives(limit int) ([]ReceiveQueueItem, error) {
	rows, err := db.db.Query(sqlSelectPendingReceives, time.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ReceiveQueueItem
	for rows.Next() {
		var item ReceiveQueueItem
		var id string
		var force int
		if err := rows.Scan(&id, &item.User.Protocol, &item.User.ID, &item.Source,
			&force, &item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.Id, err = uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		item.Force = force != 0
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateReceiveAttempt records a failed attempt and its backoff.
func (db *DB) UpdateReceiveAttempt(id uuid.UUID, attempts int, nextRetryAt time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateReceiveAttempt, attempts, nextRetryAt, id.String())
		return err
	})
}

// DeleteReceive removes a completed or abandoned unit.
func (db *DB) DeleteReceive(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteReceive, id.String())
		return err
	})
}
