package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"retropay/internal/platform/querier"
)

var (
	ErrIdempotencyConflict   = errors.New("idempotency key conflicts with existing request")
	ErrIdempotencyInProgress = errors.New("idempotency key is held by a request still in progress")
)

type IdempotencyStore struct {
	db querier.Querier
}

func NewIdempotencyStore(db querier.Querier) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

func RequestHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Claim reserves key for the caller. It returns found=true with the stored
// response when the key already completed, ErrIdempotencyConflict when the
// key was used with a different payload and ErrIdempotencyInProgress while
// another request holds the reservation. found=false with a nil error means
// the caller owns the key and must Save or Release it.
func (s *IdempotencyStore) Claim(ctx context.Context, tenantID, userID, endpoint, key, requestHash string) (json.RawMessage, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, nil
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO idempotency_keys (tenant_id, user_id, key, endpoint, request_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, user_id, key, endpoint) DO NOTHING
	`, tenantID, userID, key, endpoint, requestHash)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return nil, false, nil
	}

	var storedHash string
	var stored []byte
	err = s.db.QueryRow(ctx, `
		SELECT request_hash, response_json
		FROM idempotency_keys
		WHERE tenant_id = $1 AND user_id = $2 AND key = $3 AND endpoint = $4
	`, tenantID, userID, key, endpoint).Scan(&storedHash, &stored)
	if errors.Is(err, pgx.ErrNoRows) {
		// released between the insert and the read
		return nil, false, ErrIdempotencyInProgress
	}
	if err != nil {
		return nil, false, err
	}
	if storedHash != requestHash {
		return nil, false, ErrIdempotencyConflict
	}
	if stored == nil {
		return nil, false, ErrIdempotencyInProgress
	}
	return json.RawMessage(stored), true, nil
}

// Save stores the response for a key previously claimed with the same hash.
func (s *IdempotencyStore) Save(ctx context.Context, tenantID, userID, endpoint, key, requestHash string, response json.RawMessage) error {
	if s == nil || s.db == nil {
		return nil
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE idempotency_keys
		SET response_json = $6
		WHERE tenant_id = $1 AND user_id = $2 AND key = $3 AND endpoint = $4
		  AND request_hash = $5
	`, tenantID, userID, key, endpoint, requestHash, []byte(response))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// Release drops an unfinished reservation so the key can be retried.
func (s *IdempotencyStore) Release(ctx context.Context, tenantID, userID, endpoint, key string) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE tenant_id = $1 AND user_id = $2 AND key = $3 AND endpoint = $4
		  AND response_json IS NULL
	`, tenantID, userID, key, endpoint)
	return err
}
