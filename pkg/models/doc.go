/*
Package models defines the data structures shared by the fetch pipeline, the accessibility
analyzer and the presentation callers. Values produced by the core are immutable once
returned.

Core Types:

Credentials identifies one account in the credential store:

	type Credentials struct {
		Name         string // Account name, the lookup key
		SessionToken string // Cookie header value, never serialized
		Referer      string // Referer header value
		ExtraParams  string // Extra query string merged into every request
	}

ReferralResult is produced by a successful referral fetch:

	type ReferralResult struct {
		ReferralLink    string     // Extracted or synthesized referral URL
		Statistics      Statistics // Total registered and active-this-week counters
		CommissionLines []string   // "<game>: <rate>" lines from the commissions panel
		AccountName     string
		Timestamp       time.Time
	}

AccessibilityReport is produced by one accessibility check:

	type AccessibilityReport struct {
		Hostname        string
		URL             string
		TargetPool      string                 // Pool whose view decides ISP blocking
		PerResolverPool map[string]PoolResults // pool name -> resolver IP -> result
		HTTPProbe       HTTPProbeResult
		Classification  Classification
		Timestamp       time.Time
	}

Classification is one of:

	Accessible      // target pool resolves and HTTP probe reaches the host
	BlockedByISP    // another pool resolves but the target pool does not
	FilteredContent // target pool resolves but HTTP probe fails
	NotResolvable   // nothing resolves

BulkReport partitions many reports by classification and collects per-item errors.

History Types:

ReferralRecord and ReportRecord are the bun models stored by package database.
*/
package models
