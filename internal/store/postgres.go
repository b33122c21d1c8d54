package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gridpulse/metering-plane/pkg/database"
	"github.com/gridpulse/metering-plane/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore persists accounts, rate tables and buckets in
// PostgreSQL. Per-meter serialization relies on SELECT ... FOR UPDATE
// on the account row: concurrent WithAccount calls for the same meter
// queue on the row lock and each sees the previous commit.
type PostgresStore struct {
	db *database.Database
}

// NewPostgresStore returns a store backed by the given pool.
func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const selectAccountForUpdate = `
	SELECT meter_id, mac, region, contact,
		cumulative_kwh, instant_watt, voltage, current_amp, last_sample_at,
		total_cost, cost_today, threshold, alert_fired,
		created_at, updated_at
	FROM meter_accounts
	WHERE meter_id = $1
	FOR UPDATE
`

const selectAccount = `
	SELECT meter_id, mac, region, contact,
		cumulative_kwh, instant_watt, voltage, current_amp, last_sample_at,
		total_cost, cost_today, threshold, alert_fired,
		created_at, updated_at
	FROM meter_accounts
	WHERE meter_id = $1
`

func scanAccount(row pgx.Row) (*models.MeterAccount, error) {
	var a models.MeterAccount
	err := row.Scan(
		&a.MeterID, &a.MAC, &a.Region, &a.Contact,
		&a.CumulativeKWh, &a.InstantWatt, &a.Voltage, &a.Current, &a.LastSampleAt,
		&a.TotalCost, &a.CostToday, &a.Threshold, &a.AlertFired,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMeterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan meter account: %w", err)
	}
	return &a, nil
}

// WithAccount implements Store.
func (s *PostgresStore) WithAccount(ctx context.Context, meterID string, fn AccountUpdate) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := scanAccount(tx.QueryRow(ctx, selectAccountForUpdate, meterID))
	if err != nil {
		return err
	}

	txn := &postgresTxn{tx: tx, account: account}
	if err := fn(ctx, txn); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE meter_accounts SET
			mac = $2, region = $3, contact = $4,
			cumulative_kwh = $5, instant_watt = $6, voltage = $7, current_amp = $8,
			last_sample_at = $9, total_cost = $10, cost_today = $11,
			threshold = $12, alert_fired = $13, updated_at = NOW()
		WHERE meter_id = $1`,
		account.MeterID, account.MAC, account.Region, account.Contact,
		account.CumulativeKWh, account.InstantWatt, account.Voltage, account.Current,
		account.LastSampleAt, account.TotalCost, account.CostToday,
		account.Threshold, account.AlertFired,
	); err != nil {
		return fmt.Errorf("failed to update meter account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type postgresTxn struct {
	tx      pgx.Tx
	account *models.MeterAccount
}

func (t *postgresTxn) Account() *models.MeterAccount { return t.account }

func (t *postgresTxn) UpsertBucket(ctx context.Context, g models.Granularity, periodStart time.Time, deltaKWh float64, sampleAt time.Time) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO usage_buckets (meter_id, granularity, period_start, kwh, last_sample_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (meter_id, granularity, period_start)
		DO UPDATE SET
			kwh = usage_buckets.kwh + $4,
			last_sample_at = $5`,
		t.account.MeterID, string(g), periodStart.UTC(), deltaKWh, sampleAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert usage bucket: %w", err)
	}
	return nil
}

func (t *postgresTxn) BucketKWh(ctx context.Context, g models.Granularity, periodStart time.Time) (float64, error) {
	var kwh float64
	err := t.tx.QueryRow(ctx, `
		SELECT kwh FROM usage_buckets
		WHERE meter_id = $1 AND granularity = $2 AND period_start = $3`,
		t.account.MeterID, string(g), periodStart.UTC(),
	).Scan(&kwh)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage bucket: %w", err)
	}
	return kwh, nil
}

// GetAccount implements Store.
func (s *PostgresStore) GetAccount(ctx context.Context, meterID string) (*models.MeterAccount, error) {
	return scanAccount(s.db.Pool.QueryRow(ctx, selectAccount, meterID))
}

// CreateAccount implements Store.
func (s *PostgresStore) CreateAccount(ctx context.Context, account *models.MeterAccount) error {
	tag, err := s.db.Pool.Exec(ctx, `
		INSERT INTO meter_accounts (
			meter_id, mac, region, contact,
			cumulative_kwh, instant_watt, voltage, current_amp, last_sample_at,
			total_cost, cost_today, threshold, alert_fired,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		ON CONFLICT (meter_id) DO NOTHING`,
		account.MeterID, account.MAC, account.Region, account.Contact,
		account.CumulativeKWh, account.InstantWatt, account.Voltage, account.Current,
		account.LastSampleAt,
		account.TotalCost, account.CostToday, account.Threshold, account.AlertFired,
	)
	if err != nil {
		return fmt.Errorf("failed to create meter account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMeterExists
	}
	return nil
}

// DeleteAccount implements Store. Buckets cascade via the foreign key.
func (s *PostgresStore) DeleteAccount(ctx context.Context, meterID string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM meter_accounts WHERE meter_id = $1`, meterID)
	if err != nil {
		return fmt.Errorf("failed to delete meter account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMeterNotFound
	}
	return nil
}

// ListMeterIDs implements Store.
func (s *PostgresStore) ListMeterIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT meter_id FROM meter_accounts ORDER BY meter_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list meters: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan meter id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetRateTable implements Store.
func (s *PostgresStore) GetRateTable(ctx context.Context, region string) (*models.RateTable, error) {
	var t models.RateTable
	var tiersJSON []byte
	err := s.db.Pool.QueryRow(ctx, `
		SELECT region, base, percent_per_unit, total_tax_percent, tax, tiers
		FROM rate_tables WHERE region = $1`,
		region,
	).Scan(&t.Region, &t.Base, &t.PercentPerUnit, &t.TotalTaxPercent, &t.Tax, &tiersJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRateTableNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rate table: %w", err)
	}
	if err := json.Unmarshal(tiersJSON, &t.Tiers); err != nil {
		return nil, fmt.Errorf("failed to decode rate tiers: %w", err)
	}
	return &t, nil
}

// PutRateTable implements Store.
func (s *PostgresStore) PutRateTable(ctx context.Context, table *models.RateTable) error {
	tiersJSON, err := json.Marshal(table.Tiers)
	if err != nil {
		return fmt.Errorf("failed to encode rate tiers: %w", err)
	}
	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO rate_tables (region, base, percent_per_unit, total_tax_percent, tax, tiers, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (region)
		DO UPDATE SET
			base = $2,
			percent_per_unit = $3,
			total_tax_percent = $4,
			tax = $5,
			tiers = $6,
			updated_at = NOW()`,
		table.Region, table.Base, table.PercentPerUnit, table.TotalTaxPercent, table.Tax, tiersJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to store rate table: %w", err)
	}
	return nil
}

// ListRateTables implements Store.
func (s *PostgresStore) ListRateTables(ctx context.Context) ([]models.RateTable, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT region, base, percent_per_unit, total_tax_percent, tax, tiers
		FROM rate_tables ORDER BY region`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rate tables: %w", err)
	}
	defer rows.Close()

	var tables []models.RateTable
	for rows.Next() {
		var t models.RateTable
		var tiersJSON []byte
		if err := rows.Scan(&t.Region, &t.Base, &t.PercentPerUnit, &t.TotalTaxPercent, &t.Tax, &tiersJSON); err != nil {
			return nil, fmt.Errorf("failed to scan rate table: %w", err)
		}
		if err := json.Unmarshal(tiersJSON, &t.Tiers); err != nil {
			return nil, fmt.Errorf("failed to decode rate tiers: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// ListBuckets implements Store.
func (s *PostgresStore) ListBuckets(ctx context.Context, meterID string, g models.Granularity, from, to time.Time) ([]models.UsageBucket, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT meter_id, granularity, period_start, kwh, last_sample_at
		FROM usage_buckets
		WHERE meter_id = $1 AND granularity = $2
			AND period_start >= $3 AND period_start < $4
		ORDER BY period_start`,
		meterID, string(g), from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage buckets: %w", err)
	}
	defer rows.Close()

	var buckets []models.UsageBucket
	for rows.Next() {
		var b models.UsageBucket
		if err := rows.Scan(&b.MeterID, &b.Granularity, &b.PeriodStart, &b.KWh, &b.LastSampleAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}
