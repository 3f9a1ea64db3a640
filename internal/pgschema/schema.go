// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pgschema bootstraps the two-relation schema PgFuse's entire
// persistent state lives in, and checks the database preconditions PgFuse
// requires before it will mount.
package pgschema

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ddl is applied once at startup. CREATE ... IF NOT EXISTS and ON CONFLICT DO
// NOTHING make it safe to run against an already-bootstrapped database, so
// every mount re-applies it rather than needing a separate migration step.
const ddl = `
CREATE TABLE IF NOT EXISTS pgfuse_info (
	block_size INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dir (
	id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	parent_id BIGINT NOT NULL,
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	size BIGINT NOT NULL DEFAULT 0,
	mode INTEGER NOT NULL,
	uid INTEGER NOT NULL DEFAULT 0,
	gid INTEGER NOT NULL DEFAULT 0,
	ctime TIMESTAMPTZ NOT NULL DEFAULT now(),
	mtime TIMESTAMPTZ NOT NULL DEFAULT now(),
	atime TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (parent_id, name)
);

CREATE TABLE IF NOT EXISTS data (
	id BIGSERIAL PRIMARY KEY,
	dir_id BIGINT NOT NULL,
	block_no BIGINT NOT NULL,
	data BYTEA NOT NULL DEFAULT '',
	UNIQUE (dir_id, block_no)
);

CREATE INDEX IF NOT EXISTS dir_parent_id_idx ON dir (parent_id);
CREATE INDEX IF NOT EXISTS data_dir_id_idx ON data (dir_id);
CREATE INDEX IF NOT EXISTS data_block_no_idx ON data (block_no);

CREATE OR REPLACE FUNCTION pgfuse_create_first_block() RETURNS TRIGGER AS $$
BEGIN
	IF NEW.mode & 61440 != 16384 THEN
		INSERT INTO data (dir_id, block_no, data) VALUES (NEW.id, 0, '')
		ON CONFLICT DO NOTHING;
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS pgfuse_first_block ON dir;
CREATE TRIGGER pgfuse_first_block
	AFTER INSERT ON dir
	FOR EACH ROW EXECUTE FUNCTION pgfuse_create_first_block();

CREATE OR REPLACE RULE pgfuse_cascade_delete AS
	ON DELETE TO dir
	DO ALSO DELETE FROM data WHERE data.dir_id = OLD.id;

INSERT INTO dir (id, parent_id, name, path, size, mode, uid, gid, ctime, mtime, atime)
VALUES (0, 0, '/', '/', 0, 16895, 0, 0, now(), now(), now())
ON CONFLICT (id) DO NOTHING;
`

// Querier is satisfied by *pgx.Conn, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgx.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Bootstrap creates the schema if it does not already exist, and records
// blockSize the first time it runs (subsequent runs leave the recorded
// value alone -- CheckPreconditions is what enforces agreement with the
// caller's requested block size).
func Bootstrap(ctx context.Context, db Querier, blockSize int) error {
	if _, err := db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	var existing int
	err := db.QueryRow(ctx, "SELECT block_size FROM pgfuse_info LIMIT 1").Scan(&existing)
	if err == nil {
		return nil
	}
	if _, err := db.Exec(ctx, "INSERT INTO pgfuse_info (block_size) VALUES ($1)", blockSize); err != nil {
		return fmt.Errorf("recording block size: %w", err)
	}
	return nil
}

// CheckPreconditions verifies the two startup preconditions spec.md §6
// requires: integer_datetimes is enabled, and the recorded block size
// matches blockSize.
func CheckPreconditions(ctx context.Context, db Querier, blockSize int) error {
	var integerDatetimes string
	if err := db.QueryRow(ctx, "SHOW integer_datetimes").Scan(&integerDatetimes); err != nil {
		return fmt.Errorf("checking integer_datetimes: %w", err)
	}
	if integerDatetimes != "on" {
		return fmt.Errorf("integer_datetimes is off; pgfuse requires a database built with integer datetimes")
	}

	var recorded int
	if err := db.QueryRow(ctx, "SELECT block_size FROM pgfuse_info LIMIT 1").Scan(&recorded); err != nil {
		return fmt.Errorf("reading recorded block size: %w", err)
	}
	if recorded != blockSize {
		return fmt.Errorf("block size mismatch: schema recorded %d, -o blocksize requested %d", recorded, blockSize)
	}

	return nil
}
