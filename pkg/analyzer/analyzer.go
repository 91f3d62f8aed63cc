// Package analyzer classifies whether a URL is reachable and, if not, whether
// the cause is ISP-level DNS blocking or content filtering.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"referral-probe/pkg/connectivity"
	"referral-probe/pkg/metrics"
	"referral-probe/pkg/models"
	"referral-probe/pkg/targets"
)

// itemGrace is added to the per-item check timeout to form the hard deadline
// of one bulk item.
const itemGrace = 5 * time.Second

type Options struct {
	// TargetPool is the pool whose view decides ISP blocking.
	TargetPool      string
	Pools           map[string][]string
	OverallTimeout  time.Duration
	HTTPTimeout     time.Duration
	BulkItemTimeout time.Duration
}

// Prober checks HTTP reachability. It must return once ctx is done.
type Prober interface {
	Probe(ctx context.Context, u *url.URL) models.HTTPProbeResult
}

// Recorder persists finished reports.
type Recorder interface {
	InsertReport(ctx context.Context, report *models.AccessibilityReport) error
}

type Analyzer struct {
	opts     Options
	factory  connectivity.ResolverFactory
	prober   Prober
	recorder Recorder
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Analyzer)

func WithRecorder(r Recorder) Option {
	return func(a *Analyzer) { a.recorder = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

func New(opts Options, factory connectivity.ResolverFactory, prober Prober, options ...Option) *Analyzer {
	if opts.OverallTimeout <= 0 {
		opts.OverallTimeout = 30 * time.Second
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 10 * time.Second
	}
	if opts.BulkItemTimeout <= 0 {
		opts.BulkItemTimeout = 25 * time.Second
	}
	a := &Analyzer{opts: opts, factory: factory, prober: prober, now: time.Now}
	for _, o := range options {
		o(a)
	}
	return a
}

// Classify maps the resolution and probe outcomes to a verdict. DNS-level
// blocking takes priority over content filtering.
func Classify(targetResolved, otherResolved, httpAccessible bool) models.Classification {
	switch {
	case otherResolved && !targetResolved:
		return models.BlockedByISP
	case targetResolved && !httpAccessible:
		return models.FilteredContent
	case targetResolved && httpAccessible:
		return models.Accessible
	default:
		return models.NotResolvable
	}
}

// CheckLink resolves the URL's host through every resolver of every pool and
// probes it over HTTP, all concurrently, then classifies the outcome. timeout
// bounds the whole check; zero means the configured overall timeout.
//
// Sub-probe failures and timeouts are recorded in the report. Only an invalid
// URL or a done ctx fail the call.
func (a *Analyzer) CheckLink(ctx context.Context, rawURL string, timeout time.Duration) (*models.AccessibilityReport, error) {
	u, err := targets.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = a.opts.OverallTimeout
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	host := u.Hostname()
	literal, isLiteral := targets.HostIP(u)

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		pools = make(map[string]models.PoolResults, len(a.opts.Pools))
		probe models.HTTPProbeResult
	)

	for name, ips := range a.opts.Pools {
		results := make(models.PoolResults, len(ips))
		pools[name] = results
		for _, ip := range ips {
			if isLiteral {
				results[ip] = models.ResolverResult{Resolved: true, Addresses: []string{literal.String()}}
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				r := a.resolve(checkCtx, ip, host)
				mu.Lock()
				results[ip] = r
				mu.Unlock()
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		probeCtx, cancel := context.WithTimeout(checkCtx, min(a.opts.HTTPTimeout, timeout))
		defer cancel()
		probe = a.probe(probeCtx, u)
	}()

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("check of %s aborted: %w", u.Redacted(), err)
	}

	report := &models.AccessibilityReport{
		Hostname:        host,
		URL:             u.String(),
		TargetPool:      a.opts.TargetPool,
		PerResolverPool: pools,
		HTTPProbe:       probe,
		Timestamp:       a.now(),
	}
	report.Classification = a.classify(report)

	slog.Debug("Link checked", "url", report.URL, "classification", report.Classification,
		"httpAccessible", probe.Accessible)
	a.metrics.Check(string(report.Classification))
	if a.recorder != nil {
		if err := a.recorder.InsertReport(ctx, report); err != nil {
			slog.Warn("Failed to record report", "url", report.URL, "error", err)
		}
	}

	return report, nil
}

func (a *Analyzer) classify(r *models.AccessibilityReport) models.Classification {
	targetResolved := false
	otherResolved := false
	for name, results := range r.PerResolverPool {
		if name == a.opts.TargetPool {
			targetResolved = results.Resolved()
		} else if results.Resolved() {
			otherResolved = true
		}
	}
	return Classify(targetResolved, otherResolved, r.HTTPProbe.Accessible)
}

// resolve races one lookup against ctx.
func (a *Analyzer) resolve(ctx context.Context, ip, host string) models.ResolverResult {
	type outcome struct {
		addrs []string
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		addrs, err := connectivity.LookupA(ctx, a.factory(ip), host)
		done <- outcome{addrs, err}
	}()

	select {
	case <-ctx.Done():
		return models.ResolverResult{Addresses: []string{}, Error: "timeout"}
	case o := <-done:
		if o.err != nil {
			return models.ResolverResult{Addresses: []string{}, Error: errorString(o.err)}
		}
		return models.ResolverResult{Resolved: true, Addresses: o.addrs}
	}
}

// probe races the prober against ctx.
func (a *Analyzer) probe(ctx context.Context, u *url.URL) models.HTTPProbeResult {
	done := make(chan models.HTTPProbeResult, 1)
	go func() {
		done <- a.prober.Probe(ctx, u)
	}()

	select {
	case <-ctx.Done():
		return models.HTTPProbeResult{Error: "timeout"}
	case r := <-done:
		return r
	}
}

func errorString(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}

// CheckMultiple checks urls one after another in input order. A failing item
// is recorded in the report's error list and the run continues. onProgress,
// if set, is called after every item with the number done so far.
func (a *Analyzer) CheckMultiple(ctx context.Context, urls []string, onProgress func(done, total int)) *models.BulkReport {
	bulk := &models.BulkReport{}

	for i, raw := range urls {
		report, err := a.checkItem(ctx, raw)
		if err != nil {
			slog.Warn("Bulk item failed", "url", raw, "error", err)
			bulk.Errors = append(bulk.Errors, models.BulkError{URL: raw, Error: err.Error()})
			a.metrics.BulkError()
		} else {
			bulk.Add(report)
		}
		if onProgress != nil {
			onProgress(i+1, len(urls))
		}
	}

	bulk.Timestamp = a.now()
	slog.Info("Bulk check finished", "total", bulk.Total(), "errors", len(bulk.Errors))
	return bulk
}

func (a *Analyzer) checkItem(ctx context.Context, raw string) (*models.AccessibilityReport, error) {
	itemCtx, cancel := context.WithTimeout(ctx, a.opts.BulkItemTimeout+itemGrace)
	defer cancel()
	return a.CheckLink(itemCtx, raw, a.opts.BulkItemTimeout)
}

// PoolNames returns the configured pool names, target pool first.
func (a *Analyzer) PoolNames() []string {
	names := make([]string, 0, len(a.opts.Pools))
	for name := range a.opts.Pools {
		if name != a.opts.TargetPool {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := a.opts.Pools[a.opts.TargetPool]; ok {
		names = append([]string{a.opts.TargetPool}, names...)
	}
	return names
}
