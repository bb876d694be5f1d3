// Package repository provides PostgreSQL-backed persistence for sticky user
// profiles, decision events and API keys. Profile writes are announced with
// LISTEN/NOTIFY so every replica's profile cache refreshes the changed entry
// without polling.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/matt-riley/bucketz/internal/profile"
)

const (
	defaultNotifyChannel = "profile_events"
	defaultEventPageSize = 100
	maxEventPageSize     = 1000
	invalidationBuffer   = 64
)

// Profile change operations carried in notification payloads.
const (
	ProfileOpPut    = "put"
	ProfileOpDelete = "delete"
)

// DecisionEvent is a dispatched impression or conversion, stored in the
// decision_events table.
type DecisionEvent struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	UserID       string          `json:"user_id"`
	ExperimentID string          `json:"experiment_id,omitempty"`
	VariationID  string          `json:"variation_id,omitempty"`
	EventKey     string          `json:"event_key,omitempty"`
	Revision     string          `json:"revision"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

// APIKeyMeta contains non-sensitive metadata for an API key.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// PostgresRepository persists profiles, decision events and API keys in a
// pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// Option configures a [PostgresRepository].
type Option func(*PostgresRepository)

// WithNotifyChannel overrides the LISTEN/NOTIFY channel used for profile
// invalidation.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) { r.notifyChannel = normalizeNotifyChannel(channel) }
}

// NewPostgresRepository creates a [PostgresRepository] using the
// "profile_events" notification channel unless overridden.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:          pool,
		notifyChannel: defaultNotifyChannel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load returns every stored profile entry ordered by user and experiment.
func (r *PostgresRepository) Load(ctx context.Context) ([]profile.Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, experiment_id, variation_id
		FROM user_profiles
		ORDER BY user_id, experiment_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()

	records := make([]profile.Record, 0)
	for rows.Next() {
		var record profile.Record
		if err := rows.Scan(&record.UserID, &record.ExperimentID, &record.VariationID); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load profiles rows: %w", err)
	}

	return records, nil
}

// GetVariationID returns the stored variation for one user and experiment.
// When nothing is stored the error wraps both profile.ErrRecordNotFound and
// pgx.ErrNoRows.
func (r *PostgresRepository) GetVariationID(ctx context.Context, userID, experimentID string) (string, error) {
	var variationID string
	err := r.pool.QueryRow(ctx, `
		SELECT variation_id
		FROM user_profiles
		WHERE user_id = $1 AND experiment_id = $2
	`, userID, experimentID).Scan(&variationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("get variation id: %w: %w", profile.ErrRecordNotFound, err)
	}
	if err != nil {
		return "", fmt.Errorf("get variation id: %w", err)
	}
	return variationID, nil
}

// Put upserts a profile entry and notifies listeners in the same
// transaction.
func (r *PostgresRepository) Put(ctx context.Context, record profile.Record) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin put profile tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO user_profiles (user_id, experiment_id, variation_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, experiment_id)
		DO UPDATE SET variation_id = EXCLUDED.variation_id, updated_at = NOW()
	`, record.UserID, record.ExperimentID, record.VariationID); err != nil {
		return fmt.Errorf("put profile: %w", err)
	}

	if err := r.notify(ctx, tx, ProfileOpPut, record.UserID, record.ExperimentID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit put profile tx: %w", err)
	}
	return nil
}

// Delete removes a profile entry. Deleting an absent entry is not an error
// and sends no notification.
func (r *PostgresRepository) Delete(ctx context.Context, userID, experimentID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete profile tx: %w", err)
	}
	defer tx.Rollback(ctx)

	commandTag, err := tx.Exec(ctx, `
		DELETE FROM user_profiles WHERE user_id = $1 AND experiment_id = $2
	`, userID, experimentID)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}

	if commandTag.RowsAffected() > 0 {
		if err := r.notify(ctx, tx, ProfileOpDelete, userID, experimentID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete profile tx: %w", err)
	}
	return nil
}

func (r *PostgresRepository) notify(ctx context.Context, tx pgx.Tx, op, userID, experimentID string) error {
	payload, err := marshalNotifyPayload(op, userID, experimentID)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, payload); err != nil {
		return fmt.Errorf("notify profile event: %w", err)
	}
	return nil
}

// InsertDecisionEvent stores a dispatched impression or conversion and
// returns it with the server-generated timestamp.
func (r *PostgresRepository) InsertDecisionEvent(ctx context.Context, event DecisionEvent) (DecisionEvent, error) {
	var created DecisionEvent
	err := r.pool.QueryRow(ctx, `
		INSERT INTO decision_events (id, event_type, user_id, experiment_id, variation_id, event_key, revision, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, event_type, user_id, experiment_id, variation_id, event_key, revision, payload, created_at
	`,
		event.ID,
		event.Type,
		event.UserID,
		event.ExperimentID,
		event.VariationID,
		event.EventKey,
		event.Revision,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.ID,
		&created.Type,
		&created.UserID,
		&created.ExperimentID,
		&created.VariationID,
		&created.EventKey,
		&created.Revision,
		&created.Payload,
		&created.CreatedAt,
	)
	if err != nil {
		return DecisionEvent{}, fmt.Errorf("insert decision event: %w", err)
	}

	return created, nil
}

// ListDecisionEvents returns a user's most recent decision events, newest
// first.
func (r *PostgresRepository) ListDecisionEvents(ctx context.Context, userID string, limit int) ([]DecisionEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_type, user_id, experiment_id, variation_id, event_key, revision, payload, created_at
		FROM decision_events
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, userID, clampPageSize(limit))
	if err != nil {
		return nil, fmt.Errorf("list decision events: %w", err)
	}
	defer rows.Close()

	events := make([]DecisionEvent, 0)
	for rows.Next() {
		var event DecisionEvent
		if err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.UserID,
			&event.ExperimentID,
			&event.VariationID,
			&event.EventKey,
			&event.Revision,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan decision event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list decision events rows: %w", err)
	}

	return events, nil
}

// ValidateAPIKey returns the stored hash and name for a non-revoked key ID.
// Callers should do constant-time comparison outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash string
	var name string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, name
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &name); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, name, nil
}

// CreateAPIKey generates a new API key, storing a bcrypt hash of the secret.
// The raw secret is returned exactly once.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if strings.TrimSpace(name) == "" {
		name = "api-key-" + keyID[:8]
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns pgx.ErrNoRows (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return requireRows("revoke api key", commandTag)
}

// SubscribeProfileInvalidation streams the entries named by notifications on
// the LISTEN channel. After every (re)connect it sends a zero Invalidation,
// since notifications may have been missed. The channel is closed once ctx
// is done.
func (r *PostgresRepository) SubscribeProfileInvalidation(ctx context.Context) (<-chan profile.Invalidation, error) {
	invalidations := make(chan profile.Invalidation, invalidationBuffer)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- profile.Invalidation) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- profile.Invalidation) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	// A reconnect may have missed notifications.
	if !sendInvalidation(ctx, invalidations, profile.Invalidation{}) {
		return nil
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for profile notification: %w", err)
		}
		if !sendInvalidation(ctx, invalidations, parseNotifyPayload(n.Payload)) {
			return nil
		}
	}
}

// sendInvalidation blocks rather than drop a targeted invalidation; pending
// notifications queue on the connection meanwhile.
func sendInvalidation(ctx context.Context, invalidations chan<- profile.Invalidation, inv profile.Invalidation) bool {
	select {
	case invalidations <- inv:
		return true
	case <-ctx.Done():
		return false
	}
}

// parseNotifyPayload maps a notification to the entry it names. Anything
// unreadable becomes a zero Invalidation, which asks for a full reload.
func parseNotifyPayload(payload string) profile.Invalidation {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return profile.Invalidation{}
	}
	return profile.Invalidation{UserID: p.UserID, ExperimentID: p.ExperimentID}
}

func requireRows(op string, commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func clampPageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultEventPageSize
	case limit > maxEventPageSize:
		return maxEventPageSize
	default:
		return limit
	}
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// notifyPayload is the JSON body sent on the profile channel.
type notifyPayload struct {
	Op           string `json:"op"`
	UserID       string `json:"user_id"`
	ExperimentID string `json:"experiment_id"`
}

func marshalNotifyPayload(op, userID, experimentID string) (string, error) {
	serialized, err := json.Marshal(notifyPayload{Op: op, UserID: userID, ExperimentID: experimentID})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}

var _ profile.Backend = (*PostgresRepository)(nil)
