package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Settle store.
var Migrations = migrate.NewGroup("settle")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_settle_invoices",
			Version: "20260101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS settle_invoices (
    id             TEXT PRIMARY KEY,
    payee          TEXT NOT NULL,
    options        JSONB NOT NULL DEFAULT '[]',
    status         TEXT NOT NULL DEFAULT 'pending',
    expires_at     TIMESTAMPTZ NOT NULL,
    payer          TEXT NOT NULL DEFAULT '',
    settled_amount BIGINT NOT NULL DEFAULT 0 CHECK (settled_amount >= 0),
    settled_asset  TEXT NOT NULL DEFAULT '',
    fee            BIGINT NOT NULL DEFAULT 0 CHECK (fee >= 0),
    fee_bps        INT NOT NULL DEFAULT 0 CHECK (fee_bps BETWEEN 0 AND 10000),
    settled_at     TIMESTAMPTZ,
    refunded_at    TIMESTAMPTZ,
    closed_by      TEXT NOT NULL DEFAULT '',
    memo           TEXT NOT NULL DEFAULT '',
    metadata       JSONB NOT NULL DEFAULT '{}',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_settle_invoices_payee ON settle_invoices (payee, created_at);
CREATE INDEX IF NOT EXISTS idx_settle_invoices_status ON settle_invoices (status, expires_at);
CREATE INDEX IF NOT EXISTS idx_settle_invoices_created ON settle_invoices (created_at, id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS settle_invoices`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_settle_balances",
			Version: "20260101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS settle_payee_balances (
    payee      TEXT NOT NULL,
    asset      TEXT NOT NULL,
    amount     BIGINT NOT NULL DEFAULT 0 CHECK (amount >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (payee, asset)
);

CREATE TABLE IF NOT EXISTS settle_fee_pools (
    asset      TEXT PRIMARY KEY,
    amount     BIGINT NOT NULL DEFAULT 0 CHECK (amount >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS settle_fee_pools;
DROP TABLE IF EXISTS settle_payee_balances;
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_settle_withdrawals",
			Version: "20260101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS settle_withdrawals (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    payee       TEXT NOT NULL DEFAULT '',
    asset       TEXT NOT NULL,
    amount      BIGINT NOT NULL CHECK (amount > 0),
    destination TEXT NOT NULL,
    initiator   TEXT NOT NULL,
    invoice_id  TEXT NOT NULL DEFAULT '',
    batch_id    TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_settle_withdrawals_payee ON settle_withdrawals (payee, created_at);
CREATE INDEX IF NOT EXISTS idx_settle_withdrawals_destination ON settle_withdrawals (destination, created_at);
CREATE INDEX IF NOT EXISTS idx_settle_withdrawals_asset_kind ON settle_withdrawals (asset, kind, created_at);
CREATE INDEX IF NOT EXISTS idx_settle_withdrawals_batch ON settle_withdrawals (batch_id) WHERE batch_id != '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS settle_withdrawals`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_settle_destinations",
			Version: "20260101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS settle_destinations (
    address    TEXT PRIMARY KEY,
    label      TEXT NOT NULL DEFAULT '',
    active     BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS settle_destinations`)
				return err
			},
		},
	)
}
