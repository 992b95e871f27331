package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/unprice/core/aggregation"
	"github.com/unprice/core/entitlement"
	"github.com/unprice/core/id"
	"github.com/unprice/core/reconcile"
)

// PostgresConfig configures a PostgresClient's connection pool.
type PostgresConfig struct {
	ConnectionString string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
}

// DefaultPostgresConfig returns sensible pool defaults for PostgresConfig.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// PostgresClient is the production Client backing unprice_feature_usage_records
// and unprice_feature_verifications (spec §6), the settled source of truth
// the Reconciler corrects drift against and the destination the durable
// entitlement storage flushes its pending batches into.
type PostgresClient struct {
	pool *pgxpool.Pool
}

var _ Client = (*PostgresClient)(nil)

// NewPostgresClient opens a pool against cfg.ConnectionString and verifies
// connectivity before returning.
func NewPostgresClient(ctx context.Context, cfg PostgresConfig) (*PostgresClient, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("analytics: connection string is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("analytics: parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("analytics: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("analytics: ping: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (c *PostgresClient) Close() {
	c.pool.Close()
}

// schema creates the two tables this client reads and writes. Callers
// typically run this once via a migration tool rather than at startup;
// it's exposed here because the pack carries no migration dependency the
// teacher also uses.
const schema = `
CREATE TABLE IF NOT EXISTS unprice_feature_usage_records (
	id              TEXT PRIMARY KEY,
	customer_id     TEXT NOT NULL,
	project_id      TEXT NOT NULL,
	feature_slug    TEXT NOT NULL,
	usage           NUMERIC NOT NULL,
	ts              TIMESTAMPTZ NOT NULL,
	idempotence_key TEXT NOT NULL,
	request_id      TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	deleted         BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_usage_records_cursor
	ON unprice_feature_usage_records (customer_id, project_id, feature_slug, id);

CREATE TABLE IF NOT EXISTS unprice_feature_verifications (
	customer_id   TEXT NOT NULL,
	project_id    TEXT NOT NULL,
	feature_slug  TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	allowed       BOOLEAN NOT NULL,
	denied_reason TEXT NOT NULL,
	latency_ns    BIGINT NOT NULL,
	request_id    TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verifications_lookup
	ON unprice_feature_verifications (customer_id, project_id, feature_slug, ts);
`

// Migrate runs the client's schema. Safe to call repeatedly.
func (c *PostgresClient) Migrate(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("analytics: migrate: %w", err)
	}
	return nil
}

// IngestUsageRecords batch-inserts records, matching the ingest endpoint
// the durable entitlement storage flushes pending usage batches into.
func (c *PostgresClient) IngestUsageRecords(ctx context.Context, records []entitlement.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(
			`INSERT INTO unprice_feature_usage_records
				(id, customer_id, project_id, feature_slug, usage, ts, idempotence_key, request_id, created_at, deleted)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			r.ID, r.CustomerID, r.ProjectID, r.FeatureSlug, r.Usage, r.Timestamp,
			r.IdempotenceKey, r.RequestID, r.CreatedAt, r.Deleted,
		)
	}

	br := c.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("analytics: ingest usage records: %w", err)
		}
	}
	return nil
}

// IngestVerifications batch-inserts verifications, matching the ingest
// endpoint the durable entitlement storage flushes pending verification
// batches into.
func (c *PostgresClient) IngestVerifications(ctx context.Context, verifications []entitlement.Verification) error {
	if len(verifications) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, v := range verifications {
		batch.Queue(
			`INSERT INTO unprice_feature_verifications
				(customer_id, project_id, feature_slug, ts, allowed, denied_reason, latency_ns, request_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			v.CustomerID, v.ProjectID, v.FeatureSlug, v.Timestamp, v.Allowed,
			string(v.DeniedReason), v.Latency.Nanoseconds(), v.RequestID, v.CreatedAt,
		)
	}

	br := c.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range verifications {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("analytics: ingest verifications: %w", err)
		}
	}
	return nil
}

// FetchUsageCursor folds every settled usage record for (customerId,
// projectId, featureSlug) whose id falls in (afterRecordId, beforeRecordId]
// according to the feature's aggregation behavior (spec §6
// "getFeaturesUsageCursor").
func (c *PostgresClient) FetchUsageCursor(ctx context.Context, req reconcile.CursorRequest) (reconcile.Cursor, error) {
	cfg, ok := aggregation.Lookup(req.AggregationMeth)
	if !ok {
		cfg = aggregation.Config{Behavior: aggregation.BehaviorSum}
	}

	query := `
		SELECT id, usage FROM unprice_feature_usage_records
		WHERE customer_id = $1 AND project_id = $2 AND feature_slug = $3 AND NOT deleted
			AND ($4 = '' OR id > $4)
			AND ($5 = '' OR id <= $5)
		ORDER BY id ASC`

	rows, err := c.pool.Query(ctx, query,
		req.CustomerID, req.ProjectID, req.FeatureSlug,
		nonNilIDString(req.AfterRecordID), nonNilIDString(req.BeforeRecordID),
	)
	if err != nil {
		return reconcile.Cursor{}, fmt.Errorf("analytics: fetch usage cursor: %w", err)
	}
	defer rows.Close()

	var deltas []decimal.Decimal
	lastID := req.BeforeRecordID
	for rows.Next() {
		var recID id.ID
		var usage decimal.Decimal
		if err := rows.Scan(&recID, &usage); err != nil {
			return reconcile.Cursor{}, fmt.Errorf("analytics: scan usage cursor row: %w", err)
		}
		deltas = append(deltas, usage)
		lastID = recID
	}
	if err := rows.Err(); err != nil {
		return reconcile.Cursor{}, fmt.Errorf("analytics: usage cursor rows: %w", err)
	}

	return reconcile.Cursor{
		FeatureSlug:  req.FeatureSlug,
		Usage:        aggregate(cfg.Behavior, deltas),
		LastRecordID: lastID,
	}, nil
}

// GetBillingUsage reports sum/max/count/last-during-period across
// [Start, End) for every requested feature slug, grounding invoice line
// items (spec §6 "getBillingUsage").
func (c *PostgresClient) GetBillingUsage(ctx context.Context, req BillingUsageRequest) ([]BillingUsageRow, error) {
	query := `
		SELECT feature_slug,
			COALESCE(SUM(usage), 0),
			COALESCE(MAX(usage), 0),
			COUNT(*),
			COALESCE((ARRAY_AGG(usage ORDER BY ts DESC))[1], 0)
		FROM unprice_feature_usage_records
		WHERE customer_id = $1 AND project_id = $2 AND NOT deleted
			AND ts >= $3 AND ts < $4
			AND (array_length($5::text[], 1) IS NULL OR feature_slug = ANY($5))
		GROUP BY feature_slug
		ORDER BY feature_slug ASC`

	rows, err := c.pool.Query(ctx, query, req.CustomerID, req.ProjectID, req.Start, req.End, req.FeatureSlugs)
	if err != nil {
		return nil, fmt.Errorf("analytics: get billing usage: %w", err)
	}
	defer rows.Close()

	var out []BillingUsageRow
	for rows.Next() {
		var row BillingUsageRow
		if err := rows.Scan(&row.FeatureSlug, &row.Sum, &row.Max, &row.Count, &row.LastDuringPeriod); err != nil {
			return nil, fmt.Errorf("analytics: scan billing usage row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analytics: billing usage rows: %w", err)
	}
	return out, nil
}

func nonNilIDString(v id.ID) string {
	if v.IsNil() {
		return ""
	}
	return v.String()
}
