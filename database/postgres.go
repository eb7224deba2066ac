/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/taxgate/taxgate/model"
)

// PostgresStore keeps records in taxgate.async_requests. Postgres has no row TTL, so
// reads ignore expired rows and DeleteExpired removes them.
type PostgresStore struct {
	Conn *sql.DB
}

func NewPostgresStore(conn *sql.DB) *PostgresStore {
	return &PostgresStore{Conn: conn}
}

const selectRequestColumns = `hashed_caller_id, request_id, kind, payload, status, attempt, result, error, created_at, updated_at, expires_at`

// CreateIfAbsent inserts rec. An expired row still waiting for the reaper is replaced.
func (s *PostgresStore) CreateIfAbsent(ctx context.Context, rec *model.AsyncRequest) (*model.AsyncRequest, bool, error) {
	ctx, span := otel.Tracer("taxgate.store").Start(ctx, "Creating request record in postgres")
	defer span.End()

	errJSON, err := marshalRequestError(rec.Error)
	if err != nil {
		return nil, false, err
	}

	res, err := s.Conn.ExecContext(ctx, `
		INSERT INTO taxgate.async_requests (`+selectRequestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (hashed_caller_id, request_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			payload = EXCLUDED.payload,
			status = EXCLUDED.status,
			attempt = EXCLUDED.attempt,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
		WHERE taxgate.async_requests.expires_at <= EXCLUDED.created_at
	`,
		rec.HashedCallerID, rec.RequestID, rec.Kind, rec.Payload, string(rec.Status), rec.Attempt,
		nullableJSON(rec.Result), errJSON, rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt,
	)
	if err != nil {
		return nil, false, unavailable(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, unavailable(err)
	}
	if affected == 1 {
		return rec.Clone(), true, nil
	}

	existing, err := s.Get(ctx, rec.Key())
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get returns the live record for key.
func (s *PostgresStore) Get(ctx context.Context, key model.RequestKey) (*model.AsyncRequest, error) {
	ctx, span := otel.Tracer("taxgate.store").Start(ctx, "Fetching request record from postgres")
	defer span.End()

	row := s.Conn.QueryRowContext(ctx, `
		SELECT `+selectRequestColumns+`
		FROM taxgate.async_requests
		WHERE hashed_caller_id = $1 AND request_id = $2 AND expires_at > $3
	`, key.HashedCallerID, key.RequestID, time.Now().UTC())

	rec, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return rec, nil
}

// ConditionalUpdate is a compare-and-set on (attempt, status): the UPDATE only matches the
// row if nobody changed either column since it was read.
func (s *PostgresStore) ConditionalUpdate(ctx context.Context, key model.RequestKey, expect Expectation, mutate Mutation) (*model.AsyncRequest, error) {
	ctx, span := otel.Tracer("taxgate.store").Start(ctx, "Conditionally updating request record in postgres")
	defer span.End()

	current, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !expect.matches(current) {
		return nil, ErrConflict
	}

	next, err := applyMutation(current, mutate)
	if err != nil {
		return nil, err
	}
	errJSON, err := marshalRequestError(next.Error)
	if err != nil {
		return nil, err
	}

	res, err := s.Conn.ExecContext(ctx, `
		UPDATE taxgate.async_requests
		SET status = $1, attempt = $2, result = $3, error = $4, updated_at = $5
		WHERE hashed_caller_id = $6 AND request_id = $7 AND attempt = $8 AND status = $9
	`,
		string(next.Status), next.Attempt, nullableJSON(next.Result), errJSON, next.UpdatedAt,
		key.HashedCallerID, key.RequestID, current.Attempt, string(current.Status),
	)
	if err != nil {
		return nil, unavailable(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, unavailable(err)
	}
	if affected == 0 {
		return nil, ErrConflict
	}
	return next, nil
}

// ListStale returns pending or processing records not updated since olderThan.
func (s *PostgresStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]model.RequestKey, error) {
	ctx, span := otel.Tracer("taxgate.store").Start(ctx, "Listing stale request records in postgres")
	defer span.End()

	rows, err := s.Conn.QueryContext(ctx, `
		SELECT hashed_caller_id, request_id
		FROM taxgate.async_requests
		WHERE status = ANY($1) AND updated_at < $2 AND expires_at > $3
		ORDER BY updated_at ASC
		LIMIT $4
	`, pq.Array([]string{string(model.StatusPending), string(model.StatusProcessing)}), olderThan, time.Now().UTC(), limit)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var keys []model.RequestKey
	for rows.Next() {
		var key model.RequestKey
		if err := rows.Scan(&key.HashedCallerID, &key.RequestID); err != nil {
			return nil, unavailable(err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return keys, nil
}

// DeleteExpired removes rows whose expiry has passed.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := otel.Tracer("taxgate.store").Start(ctx, "Deleting expired request records")
	defer span.End()

	res, err := s.Conn.ExecContext(ctx, `DELETE FROM taxgate.async_requests WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*model.AsyncRequest, error) {
	var (
		rec        model.AsyncRequest
		status     string
		result     []byte
		errPayload []byte
	)
	err := row.Scan(
		&rec.HashedCallerID, &rec.RequestID, &rec.Kind, &rec.Payload, &status, &rec.Attempt,
		&result, &errPayload, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = model.Status(status)
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	if len(errPayload) > 0 {
		var reqErr model.RequestError
		if err := json.Unmarshal(errPayload, &reqErr); err != nil {
			return nil, fmt.Errorf("decoding request error: %w", err)
		}
		rec.Error = &reqErr
	}
	return &rec, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func marshalRequestError(reqErr *model.RequestError) (interface{}, error) {
	if reqErr == nil {
		return nil, nil
	}
	data, err := json.Marshal(reqErr)
	if err != nil {
		return nil, err
	}
	return data, nil
}
