// Package session serializes per-user account operations and keeps the
// per-user state that survives between them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"referral-probe/pkg/credentials"
	"referral-probe/pkg/fetch"
	"referral-probe/pkg/models"
	"referral-probe/pkg/targets"
)

// ErrNotWaiting is returned when a custom link is submitted without a prompt.
var ErrNotWaiting = errors.New("no custom link was requested")

// Action runs against a pipeline freshly bound to the selected account.
type Action func(ctx context.Context, p *fetch.Pipeline) error

// PipelineFactory returns a new, unbound pipeline on every call.
type PipelineFactory func() *fetch.Pipeline

type Analyzer interface {
	CheckLink(ctx context.Context, rawURL string, timeout time.Duration) (*models.AccessibilityReport, error)
	CheckMultiple(ctx context.Context, urls []string, onProgress func(done, total int)) *models.BulkReport
}

// Recorder persists successful referral fetches.
type Recorder interface {
	InsertReferral(ctx context.Context, result *models.ReferralResult) error
}

type FishSettings struct {
	Iterations int
	Interval   time.Duration
}

type Controller struct {
	creds       credentials.Store
	newPipeline PipelineFactory
	analyzer    Analyzer
	store       Store
	locks       *UserLocks
	recorder    Recorder
	fish        FishSettings

	// stateMu makes read-modify-write of a user's State atomic.
	stateMu sync.Mutex
}

type Option func(*Controller)

func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

func NewController(creds credentials.Store, newPipeline PipelineFactory, analyzer Analyzer, store Store, fish FishSettings, opts ...Option) *Controller {
	if fish.Iterations < 1 {
		fish.Iterations = 10
	}
	c := &Controller{
		creds:       creds,
		newPipeline: newPipeline,
		analyzer:    analyzer,
		store:       store,
		locks:       NewUserLocks(),
		fish:        fish,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SelectAccount runs action for userID against a new pipeline bound to
// account. Operations of one user never overlap; the user is released on
// every exit path. A missing or empty credential fails before waiting.
func (c *Controller) SelectAccount(ctx context.Context, userID, account string, action Action) error {
	creds, err := c.creds.Lookup(account)
	if err != nil {
		return err
	}

	release, err := c.locks.Acquire(ctx, userID)
	if err != nil {
		return fmt.Errorf("waiting for previous operation: %w", err)
	}
	defer release()

	p := c.newPipeline()
	p.Bind(creds)
	slog.Info("Account selected", "user", userID, "account", account)

	return action(ctx, p)
}

// update applies fn to the user's state and stores the result.
func (c *Controller) update(ctx context.Context, userID string, fn func(*State)) (State, error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	st, err := c.store.Get(ctx, userID)
	if err != nil {
		return st, err
	}
	fn(&st)
	return st, c.store.Put(ctx, userID, st)
}

// GetLink fetches the account's referral link and remembers it as the
// user's last link.
func (c *Controller) GetLink(ctx context.Context, userID, account string) (*models.ReferralResult, error) {
	var result *models.ReferralResult
	err := c.SelectAccount(ctx, userID, account, func(ctx context.Context, p *fetch.Pipeline) error {
		var err error
		result, err = p.FetchReferral(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	if _, err := c.update(ctx, userID, func(st *State) { st.LastReferralLink = result.ReferralLink }); err != nil {
		slog.Warn("Failed to store last link", "user", userID, "error", err)
	}
	c.record(ctx, result)
	return result, nil
}

func (c *Controller) record(ctx context.Context, result *models.ReferralResult) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.InsertReferral(ctx, result); err != nil {
		slog.Warn("Failed to record referral fetch", "account", result.AccountName, "error", err)
	}
}

// LastLink returns the link stored by the user's latest GetLink.
func (c *Controller) LastLink(ctx context.Context, userID string) (string, bool, error) {
	st, err := c.store.Get(ctx, userID)
	if err != nil {
		return "", false, err
	}
	return st.LastReferralLink, st.LastReferralLink != "", nil
}

// Stats fetches the referral page and the downline panel concurrently. Both
// must succeed.
func (c *Controller) Stats(ctx context.Context, userID, account string) (*models.ReferralResult, *models.DownlineResult, error) {
	var (
		referral *models.ReferralResult
		downline *models.DownlineResult
	)
	err := c.SelectAccount(ctx, userID, account, func(ctx context.Context, p *fetch.Pipeline) error {
		var (
			wg                       sync.WaitGroup
			referralErr, downlineErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			referral, referralErr = p.FetchReferral(ctx)
		}()
		go func() {
			defer wg.Done()
			downline, downlineErr = p.FetchDownline(ctx)
		}()
		wg.Wait()

		var errs []error
		if referralErr != nil {
			errs = append(errs, fmt.Errorf("referral: %w", referralErr))
		}
		if downlineErr != nil {
			errs = append(errs, fmt.Errorf("downline: %w", downlineErr))
		}
		return errors.Join(errs...)
	})
	if err != nil {
		return nil, nil, err
	}
	c.record(ctx, referral)
	return referral, downline, nil
}

// CheckAccountLink fetches the account's referral link and checks its
// accessibility.
func (c *Controller) CheckAccountLink(ctx context.Context, userID, account string) (*models.ReferralResult, *models.AccessibilityReport, error) {
	var (
		referral *models.ReferralResult
		report   *models.AccessibilityReport
	)
	err := c.SelectAccount(ctx, userID, account, func(ctx context.Context, p *fetch.Pipeline) error {
		var err error
		if referral, err = p.FetchReferral(ctx); err != nil {
			return err
		}
		report, err = c.analyzer.CheckLink(ctx, referral.ReferralLink, 0)
		return err
	})
	if err != nil {
		return referral, nil, err
	}
	return referral, report, nil
}

// ScanResult is the outcome of one BulkScan call.
type ScanResult struct {
	// Cancelled is set when the call stopped a running scan, or when the scan
	// was stopped before it finished fishing.
	Cancelled bool `json:"cancelled"`
	// NewLinks counts links first seen during this scan.
	NewLinks int                `json:"new_links"`
	Links    []string           `json:"links"`
	Report   *models.BulkReport `json:"report,omitempty"`
}

// BulkScan repeatedly fetches the account's referral link to collect the
// distinct links the site hands out, then checks every link discovered in
// the user's session. Calling it while a scan runs for the same user stops
// that scan instead of starting another.
func (c *Controller) BulkScan(ctx context.Context, userID, account string, onProgress func(done, total int)) (*ScanResult, error) {
	var stopping bool
	scanID := uuid.NewString()
	_, err := c.update(ctx, userID, func(st *State) {
		stopping = st.BulkScanRunning
		st.BulkScanRunning = !st.BulkScanRunning
		if stopping {
			st.BulkScanID = ""
		} else {
			st.BulkScanID = scanID
		}
	})
	if err != nil {
		return nil, err
	}
	if stopping {
		slog.Info("Bulk scan cancellation requested", "user", userID)
		return &ScanResult{Cancelled: true}, nil
	}

	defer func() {
		// A fresh context so the flag is cleared even when ctx is done.
		clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_, err := c.update(clearCtx, userID, func(st *State) {
			// A later scan may own the flag by now.
			if st.BulkScanID == scanID {
				st.BulkScanRunning = false
				st.BulkScanID = ""
			}
		})
		if err != nil {
			slog.Error("Failed to clear bulk scan flag", "user", userID, "error", err)
		}
	}()

	result := &ScanResult{}
	err = c.SelectAccount(ctx, userID, account, func(ctx context.Context, p *fetch.Pipeline) error {
		return c.fishLinks(ctx, userID, scanID, p, result)
	})
	if err != nil {
		return nil, err
	}
	if result.Cancelled {
		return result, nil
	}

	if len(result.Links) > 0 {
		result.Report = c.analyzer.CheckMultiple(ctx, result.Links, onProgress)
	}
	return result, nil
}

// fishLinks runs the fish loop. Before every iteration it checks that the
// scan identified by scanID still owns the running flag; iterations are
// paced by the configured interval.
func (c *Controller) fishLinks(ctx context.Context, userID, scanID string, p *fetch.Pipeline, result *ScanResult) error {
	// A non-positive interval yields an unlimited limiter.
	limiter := rate.NewLimiter(rate.Every(c.fish.Interval), 1)

	for i := 0; i < c.fish.Iterations; i++ {
		st, err := c.store.Get(ctx, userID)
		if err != nil {
			return err
		}
		if !st.BulkScanRunning || st.BulkScanID != scanID {
			slog.Info("Bulk scan cancelled", "user", userID, "iteration", i)
			result.Cancelled = true
			result.Links = st.DiscoveredLinks
			return nil
		}

		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		referral, err := p.FetchReferral(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("Fish iteration failed", "user", userID, "iteration", i+1, "error", err)
			continue
		}

		var isNew bool
		if _, err := c.update(ctx, userID, func(st *State) { isNew = st.AddLink(referral.ReferralLink) }); err != nil {
			return err
		}
		if isNew {
			result.NewLinks++
		}
		slog.Debug("Fish iteration", "user", userID, "iteration", i+1, "link", referral.ReferralLink, "new", isNew)
	}

	st, err := c.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	result.Links = st.DiscoveredLinks
	return nil
}

// PromptCustomLink marks the user as about to submit a URL to check.
func (c *Controller) PromptCustomLink(ctx context.Context, userID string) error {
	_, err := c.update(ctx, userID, func(st *State) { st.WaitingForCustomLink = true })
	return err
}

func (c *Controller) CancelPrompt(ctx context.Context, userID string) error {
	_, err := c.update(ctx, userID, func(st *State) { st.WaitingForCustomLink = false })
	return err
}

// SubmitCustomLink checks raw for a user who was prompted. An invalid URL
// leaves the prompt open.
func (c *Controller) SubmitCustomLink(ctx context.Context, userID, raw string) (*models.AccessibilityReport, error) {
	var submitErr error
	_, err := c.update(ctx, userID, func(st *State) {
		if !st.WaitingForCustomLink {
			submitErr = ErrNotWaiting
			return
		}
		if _, err := targets.Parse(raw); err != nil {
			submitErr = err
			return
		}
		st.WaitingForCustomLink = false
	})
	if err != nil {
		return nil, err
	}
	if submitErr != nil {
		return nil, submitErr
	}
	return c.analyzer.CheckLink(ctx, raw, 0)
}

// Reset forgets everything stored for the user.
func (c *Controller) Reset(ctx context.Context, userID string) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.store.Remove(ctx, userID)
}

// Busy reports whether an account operation is running for the user.
func (c *Controller) Busy(userID string) bool {
	return c.locks.Busy(userID)
}
