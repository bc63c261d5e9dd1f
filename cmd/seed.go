package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/IKRedHat/webhook-gateway/internal/config"
	"github.com/IKRedHat/webhook-gateway/internal/db"
	"github.com/IKRedHat/webhook-gateway/internal/logger"
	"github.com/IKRedHat/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Logging.Level)

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		if err := seedSubscriptions(sqlDB); err != nil {
			return err
		}

		fmt.Println(">> Seed completed ✅")
		return nil
	},
}

// seedSubscriptions inserts deterministic demo subscriptions (idempotent:
// upsert on the fixed id, secrets survive re-seeding so rotations stick).
func seedSubscriptions(dbx *sqlx.DB) error {
	now := time.Now().UTC()
	retired := now

	subs := []model.Subscription{
		{
			ID:        "01JGD0AB2CD3EF4GH5JK6MN7P1",
			Name:      "ci-pipeline",
			URL:       "https://hooks.example.com/ci",
			Secret:    "whsec_" + strings.Repeat("1", 64),
			Events:    model.Patterns{"build.*", "deploy.*"},
			RateLimit: intptr(120),
			Active:    true,
		},
		{
			ID:        "01JGD0AB2CD3EF4GH5JK6MN7P2",
			Name:      "orders-dashboard",
			URL:       "https://hooks.example.com/orders",
			Secret:    "whsec_" + strings.Repeat("2", 64),
			Events:    model.Patterns{"order.created", "order.cancelled"},
			Filters:   model.Tags{"region": "eu"},
			RateLimit: intptr(60),
			Active:    true,
		},
		{
			ID:     "01JGD0AB2CD3EF4GH5JK6MN7P3",
			Name:   "billing-audit",
			URL:    "https://hooks.example.com/billing",
			Secret: "whsec_" + strings.Repeat("3", 64),
			Events: model.Patterns{"invoice.*"},
			Active: true,
		},
		{
			ID:        "01JGD0AB2CD3EF4GH5JK6MN7P4",
			Name:      "legacy-webhook",
			URL:       "https://legacy.example.com/hook",
			Secret:    "whsec_" + strings.Repeat("4", 64),
			Events:    model.Patterns{"user.created"},
			RateLimit: intptr(5),
			Active:    false,
			RetiredAt: &retired,
		},
		{
			ID:        "01JGD0AB2CD3EF4GH5JK6MN7P5",
			Name:      "qa-catchall",
			URL:       "https://qa.example.com/hooks",
			Secret:    "whsec_" + strings.Repeat("5", 64),
			Events:    model.Patterns{"build.*", "order.*", "invoice.*"},
			RateLimit: intptr(10),
			Active:    true,
		},
	}

	const q = `
INSERT INTO subscriptions
    (id, name, url, secret, events, filters, rate_limit, active, created_at, updated_at, retired_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    name       = VALUES(name),
    url        = VALUES(url),
    events     = VALUES(events),
    filters    = VALUES(filters),
    rate_limit = VALUES(rate_limit),
    active     = VALUES(active),
    retired_at = VALUES(retired_at),
    updated_at = VALUES(updated_at)
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, s := range subs {
		if _, err := tx.Exec(q,
			s.ID, s.Name, s.URL, s.Secret, s.Events, s.Filters, s.RateLimit, s.Active,
			now, now, s.RetiredAt,
		); err != nil {
			return fmt.Errorf("insert subscription %q: %w", s.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit subscriptions: %w", err)
	}
	return nil
}

func intptr(i int) *int { return &i }
