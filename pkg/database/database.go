// Package database keeps the history of referral fetches and accessibility
// checks in Postgres.
package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"referral-probe/pkg/config"
	"referral-probe/pkg/models"
)

type DB struct {
	*bun.DB
}

// Open builds the bun handle without touching the network.
func Open(cfg config.DatabaseConfig) *DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN())))
	return &DB{bun.NewDB(sqldb, pgdialect.New())}
}

func NewDB(cfg config.DatabaseConfig) (*DB, error) {
	db := Open(cfg)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}
	return db, nil
}

// InitSchema creates the history tables and their indexes if they don't exist
func (db *DB) InitSchema(ctx context.Context) error {
	for _, model := range []interface{}{(*models.ReferralRecord)(nil), (*models.ReportRecord)(nil)} {
		_, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create table: %v", err)
		}
	}

	_, err := db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS referral_fetches_account_name_idx ON referral_fetches (account_name, fetched_at);
		CREATE INDEX IF NOT EXISTS accessibility_reports_hostname_idx ON accessibility_reports (hostname);
		CREATE INDEX IF NOT EXISTS accessibility_reports_checked_at_idx ON accessibility_reports (checked_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %v", err)
	}

	return nil
}

func (db *DB) InsertReferral(ctx context.Context, result *models.ReferralResult) error {
	_, err := db.NewInsert().
		Model(models.NewReferralRecord(result)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error inserting referral fetch: %v", err)
	}
	return nil
}

func (db *DB) InsertReport(ctx context.Context, report *models.AccessibilityReport) error {
	record, err := models.NewReportRecord(report)
	if err != nil {
		return fmt.Errorf("error encoding report: %v", err)
	}
	_, err = db.NewInsert().
		Model(record).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error inserting report: %v", err)
	}
	return nil
}

// recentReportsQuery selects the newest reports, optionally only those with
// the given classification.
func (db *DB) recentReportsQuery(records *[]models.ReportRecord, limit int, classification string) *bun.SelectQuery {
	q := db.NewSelect().
		Model(records).
		Order("checked_at DESC").
		Limit(limit)
	if classification != "" {
		q = q.Where("classification = ?", classification)
	}
	return q
}

func (db *DB) RecentReports(ctx context.Context, limit int, classification string) ([]models.ReportRecord, error) {
	var records []models.ReportRecord
	if err := db.recentReportsQuery(&records, limit, classification).Scan(ctx); err != nil {
		return nil, fmt.Errorf("error getting recent reports: %v", err)
	}
	return records, nil
}

func (db *DB) RecentReferrals(ctx context.Context, account string, limit int) ([]models.ReferralRecord, error) {
	var records []models.ReferralRecord
	q := db.NewSelect().
		Model(&records).
		Order("fetched_at DESC").
		Limit(limit)
	if account != "" {
		q = q.Where("account_name = ?", account)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("error getting recent referrals: %v", err)
	}
	return records, nil
}

// ClassificationCounts returns how many stored reports carry each verdict.
func (db *DB) ClassificationCounts(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Classification string `bun:"classification"`
		Count          int    `bun:"count"`
	}
	err := db.NewSelect().
		Model((*models.ReportRecord)(nil)).
		Column("classification").
		ColumnExpr("count(*) AS count").
		Group("classification").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("error counting reports: %v", err)
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Classification] = r.Count
	}
	return counts, nil
}
