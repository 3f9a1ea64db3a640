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

package pgschema_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgfuse/pgfuse/internal/pgschema"
)

// fakeQuerier lets CheckPreconditions be exercised without a live database.
// It only needs to answer the two QueryRow calls CheckPreconditions issues.
type fakeQuerier struct {
	integerDatetimes string
	blockSize        int
}

func (f fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error) {
	return pgx.CommandTag{}, nil
}

func (f fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if sql == "SHOW integer_datetimes" {
		return fakeRow{vals: []any{f.integerDatetimes}}
	}
	return fakeRow{vals: []any{f.blockSize}}
}

type fakeRow struct {
	vals []any
}

func (r fakeRow) Scan(dest ...any) error {
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.vals[i].(string)
		case *int:
			*p = r.vals[i].(int)
		}
	}
	return nil
}

func TestCheckPreconditionsOK(t *testing.T) {
	q := fakeQuerier{integerDatetimes: "on", blockSize: 4096}
	err := pgschema.CheckPreconditions(t.Context(), q, 4096)
	require.NoError(t, err)
}

func TestCheckPreconditionsRejectsDisabledIntegerDatetimes(t *testing.T) {
	q := fakeQuerier{integerDatetimes: "off", blockSize: 4096}
	err := pgschema.CheckPreconditions(t.Context(), q, 4096)
	assert.Error(t, err)
}

func TestCheckPreconditionsRejectsBlockSizeMismatch(t *testing.T) {
	q := fakeQuerier{integerDatetimes: "on", blockSize: 4096}
	err := pgschema.CheckPreconditions(t.Context(), q, 1024)
	assert.Error(t, err)
}
