package models

import (
	"sort"
	"time"
)

type Classification string

const (
	Accessible      Classification = "ACCESSIBLE"
	BlockedByISP    Classification = "BLOCKED_BY_ISP"
	FilteredContent Classification = "FILTERED_CONTENT"
	NotResolvable   Classification = "NOT_RESOLVABLE"
)

// Classifications lists every verdict in classification priority order.
var Classifications = []Classification{BlockedByISP, FilteredContent, Accessible, NotResolvable}

// ResolverResult is the outcome of resolving one hostname against one resolver IP.
type ResolverResult struct {
	Resolved  bool     `json:"resolved"`
	Addresses []string `json:"addresses"`
	Error     string   `json:"error,omitempty"`
}

// PoolResults maps resolver IP to its result.
type PoolResults map[string]ResolverResult

// Resolved reports whether any resolver in the pool produced an address.
func (p PoolResults) Resolved() bool {
	for _, r := range p {
		if r.Resolved {
			return true
		}
	}
	return false
}

// Addresses returns the distinct addresses answered by the pool, sorted.
func (p PoolResults) Addresses() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range p {
		for _, a := range r.Addresses {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	sort.Strings(out)
	return out
}

type HTTPProbeResult struct {
	Accessible bool   `json:"accessible"`
	StatusCode *int   `json:"status_code"`
	Error      string `json:"error,omitempty"`
}

type AccessibilityReport struct {
	Hostname        string                 `json:"hostname"`
	URL             string                 `json:"url"`
	TargetPool      string                 `json:"target_pool"`
	PerResolverPool map[string]PoolResults `json:"per_resolver_pool"`
	HTTPProbe       HTTPProbeResult        `json:"http_probe"`
	Classification  Classification         `json:"classification"`
	Timestamp       time.Time              `json:"timestamp"`
}

// PoolResolved reports per pool name whether the pool resolved the host.
func (r *AccessibilityReport) PoolResolved() map[string]bool {
	out := make(map[string]bool, len(r.PerResolverPool))
	for name, results := range r.PerResolverPool {
		out[name] = results.Resolved()
	}
	return out
}

type BulkItem struct {
	URL            string         `json:"url"`
	Hostname       string         `json:"hostname"`
	Classification Classification `json:"classification"`
}

type BulkError struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// BulkReport partitions many accessibility reports by classification.
type BulkReport struct {
	Accessible      []BulkItem  `json:"accessible"`
	BlockedByISP    []BulkItem  `json:"blocked_by_isp"`
	FilteredContent []BulkItem  `json:"filtered_content"`
	NotResolvable   []BulkItem  `json:"not_resolvable"`
	Errors          []BulkError `json:"errors"`
	Timestamp       time.Time   `json:"timestamp"`
}

// Add files the report under its classification bucket.
func (b *BulkReport) Add(r *AccessibilityReport) {
	item := BulkItem{URL: r.URL, Hostname: r.Hostname, Classification: r.Classification}
	switch r.Classification {
	case Accessible:
		b.Accessible = append(b.Accessible, item)
	case BlockedByISP:
		b.BlockedByISP = append(b.BlockedByISP, item)
	case FilteredContent:
		b.FilteredContent = append(b.FilteredContent, item)
	default:
		b.NotResolvable = append(b.NotResolvable, item)
	}
}

func (b *BulkReport) Classified() int {
	return len(b.Accessible) + len(b.BlockedByISP) + len(b.FilteredContent) + len(b.NotResolvable)
}

func (b *BulkReport) Total() int {
	return b.Classified() + len(b.Errors)
}
