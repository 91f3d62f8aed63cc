package fetch

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"referral-probe/pkg/metrics"
	"referral-probe/pkg/models"
)

const (
	endpointReferral = "referral"
	endpointDownline = "downline"
)

// Settings are the site-wide parameters shared by every pipeline.
type Settings struct {
	BaseURL        string
	ReferralPath   string
	DownlinePath   string
	RegisterPath   string
	DefaultReferer string
	Headers        map[string]string
	Retry          RetryPolicy
}

// FetchContext is the per-account binding of one pipeline. InstanceID and
// RequestEpoch are regenerated on every Bind and embedded in every request URL.
type FetchContext struct {
	AccountName  string
	SessionToken string
	Referer      string
	ExtraParams  string
	InstanceID   string
	RequestEpoch int64
	UserAgent    string
}

// requestState is everything derived from one Bind. It is built completely
// before being published and never modified afterwards.
type requestState struct {
	binding     FetchContext
	header      http.Header
	referralURL string
	downlineURL string
	registerURL string
}

// Pipeline fetches the referral and downline pages for the bound account.
// A Pipeline is meant to be owned by one account selection.
type Pipeline struct {
	settings Settings
	doer     Doer
	metrics  *metrics.Metrics
	sleep    func(context.Context, time.Duration) error
	now      func() time.Time
	state    atomic.Pointer[requestState]
}

type Option func(*Pipeline)

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(p *Pipeline) { p.sleep = sleep }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(settings Settings, doer Doer, opts ...Option) *Pipeline {
	p := &Pipeline{
		settings: settings,
		doer:     doer,
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var lastEpoch atomic.Int64

// nextEpoch returns a millisecond timestamp that is strictly greater than
// every value previously returned in this process.
func nextEpoch(now time.Time) int64 {
	for {
		prev := lastEpoch.Load()
		epoch := now.UnixMilli()
		if epoch <= prev {
			epoch = prev + 1
		}
		if lastEpoch.CompareAndSwap(prev, epoch) {
			return epoch
		}
	}
}

// Bind replaces the whole fetch context with one derived from creds.
func (p *Pipeline) Bind(creds models.Credentials) {
	referer := creds.Referer
	if referer == "" {
		referer = p.settings.DefaultReferer
	}

	binding := FetchContext{
		AccountName:  creds.Name,
		SessionToken: creds.SessionToken,
		Referer:      referer,
		ExtraParams:  creds.ExtraParams,
		InstanceID:   uuid.NewString()[:8],
		RequestEpoch: nextEpoch(p.now()),
		UserAgent:    UserAgentFor(creds.Name),
	}

	state := &requestState{
		binding:     binding,
		header:      p.buildHeader(binding),
		referralURL: p.buildURL(p.settings.ReferralPath, "referral", binding, true),
		downlineURL: p.buildURL(p.settings.DownlinePath, "refDownlinePanel", binding, false),
		registerURL: registerURL(p.settings.BaseURL, p.settings.RegisterPath),
	}
	p.state.Store(state)

	slog.Debug("Pipeline bound", "account", binding.AccountName, "instanceId", binding.InstanceID)
}

// Context returns a copy of the current binding. ok is false before Bind.
func (p *Pipeline) Context() (FetchContext, bool) {
	st := p.state.Load()
	if st == nil {
		return FetchContext{}, false
	}
	return st.binding, true
}

func (p *Pipeline) buildHeader(b FetchContext) http.Header {
	header := make(http.Header, len(p.settings.Headers)+6)
	for name, value := range p.settings.Headers {
		header.Set(name, value)
	}
	header.Set("Cookie", b.SessionToken)
	header.Set("User-Agent", b.UserAgent)
	header.Set("Referer", b.Referer)
	header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	header.Set("Pragma", "no-cache")
	header.Set("Expires", "0")
	return header
}

// buildURL renders the endpoint URL with the cache-busting parameters. Extra
// parameters override existing keys when override is set and are appended
// otherwise.
func (p *Pipeline) buildURL(path, act string, b FetchContext, override bool) string {
	path, _, _ = strings.Cut(path, "?")

	query := url.Values{}
	query.Set("act", act)
	query.Set("_v", b.InstanceID)
	query.Set("_t", strconv.FormatInt(b.RequestEpoch, 10))

	if b.ExtraParams != "" {
		// ParseQuery keeps every well-formed pair even when it reports an error.
		extra, _ := url.ParseQuery(strings.TrimPrefix(b.ExtraParams, "?"))
		for key, values := range extra {
			if override {
				query.Set(key, values[len(values)-1])
				continue
			}
			for _, v := range values {
				query.Add(key, v)
			}
		}
	}

	return p.settings.BaseURL + path + "?" + query.Encode()
}

// FetchReferral retrieves the referral page and extracts the link,
// statistics and commission lines.
func (p *Pipeline) FetchReferral(ctx context.Context) (*models.ReferralResult, error) {
	st := p.state.Load()
	if st == nil {
		return nil, ErrNotBound
	}

	body, err := p.fetch(ctx, st, endpointReferral, st.referralURL)
	if err != nil {
		return nil, err
	}

	pg, err := newPage(body, st.registerURL, st.binding.ExtraParams)
	if err != nil {
		return nil, err
	}
	link, strategy, err := extractReferralLink(pg)
	if err != nil {
		slog.Error("Referral link not found", "account", st.binding.AccountName, "snippet", snippet(string(body)))
		return nil, err
	}

	result := &models.ReferralResult{
		ReferralLink:    link,
		Statistics:      extractStatistics(pg),
		CommissionLines: extractCommissions(pg),
		AccountName:     st.binding.AccountName,
		Timestamp:       p.now(),
	}
	slog.Debug("Referral parsed", "account", result.AccountName, "strategy", strategy,
		"totalPlayers", result.Statistics.TotalPlayers)
	return result, nil
}

// FetchDownline retrieves the downline panel of the bound account.
func (p *Pipeline) FetchDownline(ctx context.Context) (*models.DownlineResult, error) {
	st := p.state.Load()
	if st == nil {
		return nil, ErrNotBound
	}

	body, err := p.fetch(ctx, st, endpointDownline, st.downlineURL)
	if err != nil {
		return nil, err
	}

	pg, err := newPage(body, st.registerURL, st.binding.ExtraParams)
	if err != nil {
		return nil, err
	}
	result := extractDownline(pg)
	result.AccountName = st.binding.AccountName
	result.Timestamp = p.now()

	slog.Debug("Downline parsed", "account", result.AccountName, "rows", result.TotalDownlines)
	return &result, nil
}

// fetch performs the GET with bounded exponential backoff. Transport and
// empty-body failures are retried; after the last attempt the failure is
// wrapped in *ExhaustedRetriesError.
func (p *Pipeline) fetch(ctx context.Context, st *requestState, endpoint, target string) ([]byte, error) {
	policy := p.settings.Retry
	attempts := policy.attempts()
	account := st.binding.AccountName

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := p.doer.Get(ctx, target, st.header.Clone())
		if err == nil && len(bytes.TrimSpace(resp.Body)) == 0 {
			err = &EmptyResponseError{URL: target}
		}
		if err == nil {
			p.metrics.FetchAttempt(endpoint, metrics.OutcomeSuccess)
			slog.Debug("Fetch succeeded", "account", account, "endpoint", endpoint,
				"attempt", attempt+1, "bytes", len(resp.Body))
			return resp.Body, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		lastErr = err
		slog.Warn("Fetch attempt failed", "account", account, "endpoint", endpoint,
			"attempt", attempt+1, "of", attempts, "error", err)
		if attempt == attempts-1 {
			break
		}

		p.metrics.FetchAttempt(endpoint, metrics.OutcomeRetry)
		delay := policy.Backoff(attempt)
		slog.Debug("Retrying fetch", "account", account, "endpoint", endpoint, "delay", delay)
		if err := p.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	p.metrics.FetchAttempt(endpoint, metrics.OutcomeFailure)
	return nil, &ExhaustedRetriesError{Attempts: attempts, Err: lastErr}
}
