package models

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// ReferralRecord is one successful referral fetch kept in the history table.
type ReferralRecord struct {
	bun.BaseModel `bun:"table:referral_fetches,alias:rf"`

	ID            int64     `bun:",pk,autoincrement"`
	AccountName   string    `bun:",notnull"`
	ReferralLink  string    `bun:",notnull"`
	TotalPlayers  int       `bun:",notnull,default:0"`
	ActivePlayers int       `bun:",notnull,default:0"`
	Commissions   []string  `bun:",array"`
	FetchedAt     time.Time `bun:",notnull"`
}

// ReportRecord is one accessibility check kept in the history table.
type ReportRecord struct {
	bun.BaseModel `bun:"table:accessibility_reports,alias:ar"`

	ID             int64           `bun:",pk,autoincrement"`
	URL            string          `bun:",notnull"`
	Hostname       string          `bun:",notnull"`
	Classification string          `bun:",notnull"`
	HTTPStatus     int             `bun:",nullzero"`
	HTTPError      string          `bun:",nullzero"`
	DNSResults     json.RawMessage `bun:",type:jsonb"`
	CheckedAt      time.Time       `bun:",notnull"`
}

func NewReferralRecord(r *ReferralResult) *ReferralRecord {
	return &ReferralRecord{
		AccountName:   r.AccountName,
		ReferralLink:  r.ReferralLink,
		TotalPlayers:  r.Statistics.TotalPlayers,
		ActivePlayers: r.Statistics.ActivePlayers,
		Commissions:   r.CommissionLines,
		FetchedAt:     r.Timestamp,
	}
}

func NewReportRecord(r *AccessibilityReport) (*ReportRecord, error) {
	dns, err := json.Marshal(r.PerResolverPool)
	if err != nil {
		return nil, err
	}
	rec := &ReportRecord{
		URL:            r.URL,
		Hostname:       r.Hostname,
		Classification: string(r.Classification),
		HTTPError:      r.HTTPProbe.Error,
		DNSResults:     dns,
		CheckedAt:      r.Timestamp,
	}
	if r.HTTPProbe.StatusCode != nil {
		rec.HTTPStatus = *r.HTTPProbe.StatusCode
	}
	return rec, nil
}
