package db

import (
	"database/sql"
	"log"
	"strings"
)

const (
	// Identities, one row per (protocol, id)
	sqlCreateIdentitiesTable = `CREATE TABLE IF NOT EXISTS identities (
		protocol TEXT NOT NULL,
		id TEXT NOT NULL,
		obj_id TEXT,
		mod TEXT,
		public_exponent TEXT,
		private_exponent TEXT,
		p256_key TEXT,
		use_instead_protocol TEXT,
		use_instead_id TEXT,
		direct INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(protocol, id)
	)`

	sqlCreateIdentitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_identities_use_instead ON identities(use_instead_protocol, use_instead_id);
	`

	// Canonical objects, keyed by escaped content id
	sqlCreateObjectsTable = `CREATE TABLE IF NOT EXISTS objects (
		id TEXT NOT NULL PRIMARY KEY,
		as2 TEXT,
		bsky TEXT,
		mf2 TEXT,
		our_as1 TEXT,
		source_protocol TEXT,
		status TEXT,
		labels TEXT NOT NULL DEFAULT '[]',
		users TEXT NOT NULL DEFAULT '[]',
		deleted INTEGER DEFAULT 0,
		delivered TEXT NOT NULL DEFAULT '[]',
		undelivered TEXT NOT NULL DEFAULT '[]',
		failed TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		expire_at TIMESTAMP
	)`

	sqlCreateObjectsIndices = `
		CREATE INDEX IF NOT EXISTS idx_objects_status ON objects(status);
		CREATE INDEX IF NOT EXISTS idx_objects_expire_at ON objects(expire_at);
		CREATE INDEX IF NOT EXISTS idx_objects_updated_at ON objects(updated_at DESC);
	`

	// Follow edges, unique per (from, to) pair, never deleted
	sqlCreateFollowersTable = `CREATE TABLE IF NOT EXISTS followers (
		id TEXT NOT NULL PRIMARY KEY,
		from_protocol TEXT NOT NULL,
		from_id TEXT NOT NULL,
		to_protocol TEXT NOT NULL,
		to_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		follow_id TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(from_protocol, from_id, to_protocol, to_id)
	)`

	sqlCreateFollowersIndices = `
		CREATE INDEX IF NOT EXISTS idx_followers_from ON followers(from_protocol, from_id, status, updated_at DESC);
		CREATE INDEX IF NOT EXISTS idx_followers_to ON followers(to_protocol, to_id, status, updated_at DESC);
	`

	// Enqueued units of work for the delivery pipeline
	sqlCreateReceiveQueueTable = `CREATE TABLE IF NOT EXISTS receive_queue (
		id TEXT NOT NULL PRIMARY KEY,
		user_protocol TEXT NOT NULL,
		user_id TEXT NOT NULL,
		source TEXT NOT NULL,
		force INTEGER DEFAULT 0,
		attempts INTEGER DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateReceiveQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_receive_queue_next_retry ON receive_queue(next_retry_at);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name   string
			create string
		}{
			{"identities", sqlCreateIdentitiesTable},
			{"objects", sqlCreateObjectsTable},
			{"followers", sqlCreateFollowersTable},
			{"receive_queue", sqlCreateReceiveQueueTable},
		}
		for _, table := range tables {
			if err := db.createTableIfNotExists(tx, table.create, table.name); err != nil {
				return err
			}
		}

		for _, indices := range []string{
			sqlCreateIdentitiesIndices,
			sqlCreateObjectsIndices,
			sqlCreateFollowersIndices,
			sqlCreateReceiveQueueIndices,
		} {
			for _, stmt := range strings.Split(indices, ";") {
				stmt = strings.TrimSpace(stmt)
				if stmt == "" {
					continue
				}
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL, name string) error {
	if _, err := tx.Exec(createSQL); err != nil {
		log.Printf("Failed to create table %s: %v", name, err)
		return err
	}
	return nil
}
