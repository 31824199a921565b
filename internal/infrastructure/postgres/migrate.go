package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// migration is one ordered DDL step. Steps run once, recorded in
// schema_migrations; never edit a shipped step, append a new one.
type migration struct {
	version int
	name    string
	ddl     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "catalog and prescriptions",
		ddl: `
		CREATE TABLE IF NOT EXISTS medicines (
			medicine_id    BIGSERIAL PRIMARY KEY,
			name           TEXT NOT NULL,
			price_cents    BIGINT NOT NULL CHECK (price_cents >= 0),
			stock_quantity INTEGER NOT NULL DEFAULT 0 CHECK (stock_quantity >= 0)
		);

		CREATE TABLE IF NOT EXISTS prescriptions (
			prescription_id BIGSERIAL PRIMARY KEY,
			doctor_id       BIGINT NOT NULL,
			patient_id      BIGINT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			instructions    TEXT NOT NULL DEFAULT '',
			prescribed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_prescriptions_patient ON prescriptions (patient_id);

		CREATE TABLE IF NOT EXISTS prescription_items (
			item_id         BIGSERIAL PRIMARY KEY,
			prescription_id BIGINT NOT NULL REFERENCES prescriptions (prescription_id),
			medicine_id     BIGINT NOT NULL REFERENCES medicines (medicine_id),
			quantity        INTEGER NOT NULL CHECK (quantity > 0)
		);
		CREATE INDEX IF NOT EXISTS idx_prescription_items_rx ON prescription_items (prescription_id);
		`,
	},
	{
		version: 2,
		name:    "machines and inventories",
		ddl: `
		CREATE TABLE IF NOT EXISTS vending_machines (
			machine_code TEXT PRIMARY KEY,
			location     TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS machine_inventories (
			machine_code TEXT NOT NULL REFERENCES vending_machines (machine_code),
			medicine_id  BIGINT NOT NULL REFERENCES medicines (medicine_id),
			quantity     INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
			PRIMARY KEY (machine_code, medicine_id)
		);
		CREATE INDEX IF NOT EXISTS idx_machine_inventories_medicine ON machine_inventories (medicine_id);
		`,
	},
	{
		version: 3,
		name:    "purchases and items",
		ddl: `
		CREATE TABLE IF NOT EXISTS purchases (
			purchase_id     BIGSERIAL PRIMARY KEY,
			patient_id      BIGINT NOT NULL,
			prescription_id BIGINT NOT NULL REFERENCES prescriptions (prescription_id),
			payment_method  TEXT NOT NULL,
			payment_status  TEXT NOT NULL,
			total_cents     BIGINT NOT NULL DEFAULT 0 CHECK (total_cents >= 0),
			state           SMALLINT NOT NULL DEFAULT 0,
			qr_token        TEXT,
			qr_expires_at   TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_purchases_patient ON purchases (patient_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS purchase_items (
			item_id      BIGSERIAL PRIMARY KEY,
			purchase_id  BIGINT NOT NULL REFERENCES purchases (purchase_id),
			medicine_id  BIGINT NOT NULL REFERENCES medicines (medicine_id),
			quantity     INTEGER NOT NULL CHECK (quantity > 0),
			unit_cents   BIGINT NOT NULL CHECK (unit_cents >= 0),
			amount_cents BIGINT NOT NULL CHECK (amount_cents >= 0),
			machine_code TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_purchase_items_purchase ON purchase_items (purchase_id);
		`,
	},
	{
		version: 4,
		name:    "legacy purchase history",
		ddl: `
		CREATE TABLE IF NOT EXISTS purchase_history (
			id              BIGSERIAL PRIMARY KEY,
			patient_id      BIGINT NOT NULL,
			prescription_id BIGINT NOT NULL,
			medicine_id     BIGINT NOT NULL,
			quantity        INTEGER NOT NULL,
			amount_cents    BIGINT NOT NULL,
			machine_code    TEXT NOT NULL DEFAULT '',
			purchase_date   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_purchase_history_patient_rx
			ON purchase_history (patient_id, prescription_id);
		`,
	},
	{
		version: 5,
		name:    "transactional outbox",
		ddl: `
		CREATE TABLE IF NOT EXISTS outbox (
			id             BIGSERIAL PRIMARY KEY,
			aggregate_id   TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type     TEXT NOT NULL,
			payload        JSONB NOT NULL,
			topic          TEXT NOT NULL,
			partition_key  TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at   TIMESTAMPTZ,
			retry_count    INTEGER NOT NULL DEFAULT 0,
			last_error     TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_outbox_pending
			ON outbox (created_at) WHERE processed_at IS NULL;
		`,
	},
}

// Migrate applies pending migrations in order, serialized across instances
// with an advisory lock so concurrent startups don't race on DDL.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	const migrateLockID = int64(74200)
	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrateLockID)

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, m.ddl); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", m.version, m.name); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		logger.Info("migration applied", zap.Int("version", m.version), zap.String("name", m.name))
	}
	return nil
}
