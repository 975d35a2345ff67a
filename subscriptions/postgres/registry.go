package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/SanteonNL/orca/subscriptionengine/lib/criteria"
	"github.com/SanteonNL/orca/subscriptionengine/subscriptions"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schema string

const selectColumns = `id, criteria, channel_type, channel_endpoint, channel_payload, channel_headers, status, reason, last_scan_marker, scan_boundary, failure_count, error`

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

var _ subscriptions.Registry = &Registry{}

// Registry is a subscriptions.Registry that stores subscriptions in PostgreSQL.
type Registry struct {
	pool *pgxpool.Pool
}

// New connects to the database and creates the schema if it doesn't exist.
func New(ctx context.Context, connectionString string) (*Registry, error) {
	config, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres connection string: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema migration: %w", err)
	}
	log.Ctx(ctx).Info().Msgf("Subscription registry: PostgreSQL (host=%s, database=%s)", config.ConnConfig.Host, config.ConnConfig.Database)
	return &Registry{pool: pool}, nil
}

func (r *Registry) Close() {
	r.pool.Close()
}

func (r *Registry) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Registry) ListActive(ctx context.Context) ([]subscriptions.Subscription, error) {
	return r.query(ctx, `SELECT `+selectColumns+` FROM subscriptions WHERE status = $1 ORDER BY id`, string(subscriptions.StatusActive))
}

func (r *Registry) AdvanceMarker(ctx context.Context, id string, marker time.Time, boundary []string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE subscriptions SET last_scan_marker = $2, scan_boundary = $3
		 WHERE id = $1 AND (last_scan_marker IS NULL OR last_scan_marker <= $2)`,
		id, marker.UnixNano(), nonNil(boundary))
	return err
}

func (r *Registry) RecordFailure(ctx context.Context, id string, reason string, threshold int) (bool, error) {
	var escalated bool
	err := r.pool.QueryRow(ctx,
		`UPDATE subscriptions SET
		   failure_count = failure_count + 1,
		   status = CASE WHEN $3 > 0 AND failure_count + 1 >= $3 THEN $4 ELSE status END,
		   error  = CASE WHEN $3 > 0 AND failure_count + 1 >= $3 THEN $2 ELSE error END
		 WHERE id = $1 AND status = $5
		 RETURNING status = $4`,
		id, reason, threshold, string(subscriptions.StatusError), string(subscriptions.StatusActive)).Scan(&escalated)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return escalated, err
}

func (r *Registry) RecordSuccess(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE subscriptions SET failure_count = 0 WHERE id = $1 AND failure_count <> 0`, id)
	return err
}

func (r *Registry) SetStatus(ctx context.Context, id string, status subscriptions.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid subscription status: %s", status)
	}
	if status == subscriptions.StatusActive {
		_, err := r.pool.Exec(ctx, `UPDATE subscriptions SET status = $2, failure_count = 0, error = '' WHERE id = $1`, id, string(status))
		return err
	}
	_, err := r.pool.Exec(ctx, `UPDATE subscriptions SET status = $2 WHERE id = $1`, id, string(status))
	return err
}

func (r *Registry) Get(ctx context.Context, id string) (*subscriptions.Subscription, error) {
	result, err := r.query(ctx, `SELECT `+selectColumns+` FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, subscriptions.ErrNotFound
	}
	return &result[0], nil
}

func (r *Registry) List(ctx context.Context) ([]subscriptions.Subscription, error) {
	return r.query(ctx, `SELECT `+selectColumns+` FROM subscriptions ORDER BY id`)
}

func (r *Registry) Create(ctx context.Context, subscription subscriptions.Subscription) (*subscriptions.Subscription, error) {
	if subscription.ID == "" {
		subscription.ID = uuid.NewString()
	}
	if subscription.Status == "" {
		subscription.Status = subscriptions.StatusRequested
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO subscriptions (id, criteria, channel_type, channel_endpoint, channel_payload, channel_headers, status, reason, last_scan_marker, scan_boundary, failure_count, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		subscription.ID, subscription.Criteria.String(), string(subscription.Channel.Type), subscription.Channel.Endpoint,
		string(subscription.Channel.Payload), nonNil(subscription.Channel.Headers), string(subscription.Status), subscription.Reason,
		markerToDB(subscription.LastScanMarker), nonNil(subscription.ScanBoundary), subscription.FailureCount, subscription.Error)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %s", subscriptions.ErrAlreadyExists, subscription.ID)
		}
		return nil, err
	}
	return r.Get(ctx, subscription.ID)
}

func (r *Registry) Update(ctx context.Context, subscription subscriptions.Subscription) (*subscriptions.Subscription, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE subscriptions SET
		   criteria = $2, channel_type = $3, channel_endpoint = $4, channel_payload = $5, channel_headers = $6, reason = $7,
		   failure_count = CASE WHEN $8 <> '' AND status <> $8 THEN 0 ELSE failure_count END,
		   error         = CASE WHEN $8 <> '' AND status <> $8 THEN '' ELSE error END,
		   status        = CASE WHEN $8 <> '' THEN $8 ELSE status END
		 WHERE id = $1`,
		subscription.ID, subscription.Criteria.String(), string(subscription.Channel.Type), subscription.Channel.Endpoint,
		string(subscription.Channel.Payload), nonNil(subscription.Channel.Headers), subscription.Reason, string(subscription.Status))
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, subscriptions.ErrNotFound
	}
	return r.Get(ctx, subscription.ID)
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return subscriptions.ErrNotFound
	}
	return nil
}

func (r *Registry) query(ctx context.Context, sql string, args ...any) ([]subscriptions.Subscription, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []subscriptions.Subscription
	for rows.Next() {
		var (
			subscription   subscriptions.Subscription
			criteriaString string
			channelType    string
			channelPayload string
			status         string
			lastScanMarker *int64
		)
		err := rows.Scan(&subscription.ID, &criteriaString, &channelType, &subscription.Channel.Endpoint, &channelPayload,
			&subscription.Channel.Headers, &status, &subscription.Reason, &lastScanMarker, &subscription.ScanBoundary, &subscription.FailureCount, &subscription.Error)
		if err != nil {
			return nil, err
		}
		subscription.Criteria, err = criteria.Parse(criteriaString)
		if err != nil {
			return nil, fmt.Errorf("stored subscription %s: %w", subscription.ID, err)
		}
		subscription.Channel.Type = subscriptions.ChannelType(channelType)
		subscription.Channel.Payload = subscriptions.PayloadEncoding(channelPayload)
		subscription.Status = subscriptions.Status(status)
		if lastScanMarker != nil {
			subscription.LastScanMarker = time.Unix(0, *lastScanMarker).UTC()
		}
		if len(subscription.ScanBoundary) == 0 {
			subscription.ScanBoundary = nil
		}
		result = append(result, subscription)
	}
	return result, rows.Err()
}

func markerToDB(marker time.Time) *int64 {
	if marker.IsZero() {
		return nil
	}
	nanos := marker.UnixNano()
	return &nanos
}

// nonNil returns an empty slice for nil, since the array columns are NOT NULL.
func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
