package models

import "time"

type Statistics struct {
	TotalPlayers  int `json:"total_players"`
	ActivePlayers int `json:"active_players"`
}

// ReferralResult is produced once per successful referral fetch.
type ReferralResult struct {
	ReferralLink    string     `json:"referral_link"`
	Statistics      Statistics `json:"statistics"`
	CommissionLines []string   `json:"commission_lines"`
	AccountName     string     `json:"account_name"`
	Timestamp       time.Time  `json:"timestamp"`
}

type DownlineRow struct {
	Rank       int    `json:"rank"`
	UserID     string `json:"user_id"`
	Turnover   int    `json:"turnover"`
	Commission int    `json:"commission"`
}

// DownlineResult aggregates the rows of the downline panel. Totals are
// running sums over Rows.
type DownlineResult struct {
	TotalDownlines  int           `json:"total_downlines"`
	TotalTurnover   int           `json:"total_turnover"`
	TotalCommission int           `json:"total_commission"`
	Rows            []DownlineRow `json:"rows"`
	AccountName     string        `json:"account_name"`
	Timestamp       time.Time     `json:"timestamp"`
}
