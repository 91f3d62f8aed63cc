package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-probe/pkg/credentials"
	"referral-probe/pkg/fetch"
	"referral-probe/pkg/models"
	"referral-probe/pkg/targets"
)

func linkPage(link string) []byte {
	return []byte(`<span class="refxxcode"><i>` + link + `</i></span>`)
}

// pageDoer serves referral pages whose link is chosen per call.
type pageDoer struct {
	calls atomic.Int32
	link  func(call int) string
}

func (d *pageDoer) Get(ctx context.Context, _ string, _ http.Header) (*fetch.Response, error) {
	n := int(d.calls.Add(1))
	return &fetch.Response{StatusCode: http.StatusOK, Body: linkPage(d.link(n))}, nil
}

type fakeAnalyzer struct {
	mu      sync.Mutex
	checked []string
	bulk    [][]string
}

func (f *fakeAnalyzer) CheckLink(_ context.Context, rawURL string, _ time.Duration) (*models.AccessibilityReport, error) {
	u, err := targets.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.checked = append(f.checked, rawURL)
	f.mu.Unlock()
	return &models.AccessibilityReport{URL: rawURL, Hostname: u.Hostname(), Classification: models.Accessible}, nil
}

func (f *fakeAnalyzer) CheckMultiple(ctx context.Context, urls []string, onProgress func(done, total int)) *models.BulkReport {
	f.mu.Lock()
	f.bulk = append(f.bulk, append([]string(nil), urls...))
	f.mu.Unlock()
	bulk := &models.BulkReport{}
	for i, u := range urls {
		r, _ := f.CheckLink(ctx, u, 0)
		bulk.Add(r)
		if onProgress != nil {
			onProgress(i+1, len(urls))
		}
	}
	return bulk
}

func testCredentials() credentials.Store {
	return credentials.FromEnviron([]string{
		"COOKIE_ALPHA=PHPSESSID=a",
		"COOKIE_BETA=PHPSESSID=b",
		"COOKIE_EMPTY= ",
	}, "https://example.test/auth/select_game_v2.php")
}

func testSettings() fetch.Settings {
	return fetch.Settings{
		BaseURL:      "https://example.test",
		ReferralPath: "/auth/x_ajaxer-v2.php",
		DownlinePath: "/auth/x_ajaxer-v2.php",
		RegisterPath: "/register",
		Retry:        fetch.RetryPolicy{MaxRetries: 1},
	}
}

func newTestController(doer fetch.Doer, analyzer Analyzer, store Store, fish FishSettings) (*Controller, *atomic.Int32) {
	var built atomic.Int32
	factory := func() *fetch.Pipeline {
		built.Add(1)
		return fetch.NewPipeline(testSettings(), doer)
	}
	return NewController(testCredentials(), factory, analyzer, store, fish), &built
}

func constantLink(link string) *pageDoer {
	return &pageDoer{link: func(int) string { return link }}
}

func TestSelectAccountSameUserNeverOverlaps(t *testing.T) {
	c, _ := newTestController(constantLink("https://x.test/?ref=1"), &fakeAnalyzer{}, NewMemoryStore(), FishSettings{})

	var active, maxActive atomic.Int32
	action := func(ctx context.Context, p *fetch.Pipeline) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		account := []string{"ALPHA", "BETA"}[i%2]
		go func() {
			defer wg.Done()
			assert.NoError(t, c.SelectAccount(context.Background(), "user-1", account, action))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxActive.Load())
	assert.False(t, c.Busy("user-1"))
}

func TestSelectAccountDifferentUsersOverlap(t *testing.T) {
	c, _ := newTestController(constantLink("https://x.test/?ref=1"), &fakeAnalyzer{}, NewMemoryStore(), FishSettings{})

	var inside sync.WaitGroup
	inside.Add(2)
	allIn := make(chan struct{})
	go func() {
		inside.Wait()
		close(allIn)
	}()

	action := func(ctx context.Context, p *fetch.Pipeline) error {
		inside.Done()
		select {
		case <-allIn:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("operations of different users did not overlap")
		}
	}

	errs := make(chan error, 2)
	for _, user := range []string{"user-1", "user-2"} {
		go func() { errs <- c.SelectAccount(context.Background(), user, "ALPHA", action) }()
	}
	assert.NoError(t, <-errs)
	assert.NoError(t, <-errs)
}

func TestSelectAccountPreconditionFailsBeforeLocking(t *testing.T) {
	c, built := newTestController(constantLink("x"), &fakeAnalyzer{}, NewMemoryStore(), FishSettings{})

	for _, account := range []string{"MISSING", "EMPTY"} {
		err := c.SelectAccount(context.Background(), "user-1", account, func(context.Context, *fetch.Pipeline) error {
			t.Fatal("action must not run")
			return nil
		})
		var precondition *credentials.PreconditionError
		assert.ErrorAs(t, err, &precondition, account)
	}
	assert.Zero(t, built.Load())
	assert.False(t, c.Busy("user-1"))
}

func TestSelectAccountReleasesOnErrorAndPanic(t *testing.T) {
	c, _ := newTestController(constantLink("x"), &fakeAnalyzer{}, NewMemoryStore(), FishSettings{})
	boom := errors.New("boom")

	err := c.SelectAccount(context.Background(), "user-1", "ALPHA", func(context.Context, *fetch.Pipeline) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.Busy("user-1"))

	assert.Panics(t, func() {
		_ = c.SelectAccount(context.Background(), "user-1", "ALPHA", func(context.Context, *fetch.Pipeline) error { panic("boom") })
	})
	assert.False(t, c.Busy("user-1"))
}

func TestSelectAccountBuildsFreshPipeline(t *testing.T) {
	c, built := newTestController(constantLink("x"), &fakeAnalyzer{}, NewMemoryStore(), FishSettings{})

	var seen []*fetch.Pipeline
	var bindings []fetch.FetchContext
	for _, account := range []string{"ALPHA", "ALPHA", "BETA"} {
		require.NoError(t, c.SelectAccount(context.Background(), "user-1", account, func(_ context.Context, p *fetch.Pipeline) error {
			seen = append(seen, p)
			b, ok := p.Context()
			require.True(t, ok)
			bindings = append(bindings, b)
			return nil
		}))
	}

	assert.EqualValues(t, 3, built.Load())
	assert.NotSame(t, seen[0], seen[1])
	assert.NotEqual(t, bindings[0].InstanceID, bindings[1].InstanceID)
	assert.Equal(t, "BETA", bindings[2].AccountName)
	assert.Equal(t, "PHPSESSID=b", bindings[2].SessionToken)
}

func TestGetLinkRemembersLastLink(t *testing.T) {
	c, _ := newTestController(constantLink("https://x.test/register?ref=AAA"), &fakeAnalyzer{}, NewMemoryStore(), FishSettings{})

	_, ok, err := c.LastLink(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	result, err := c.GetLink(context.Background(), "user-1", "ALPHA")
	require.NoError(t, err)
	assert.Equal(t, "ALPHA", result.AccountName)

	link, ok, err := c.LastLink(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://x.test/register?ref=AAA", link)
}

func TestCheckAccountLink(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	c, _ := newTestController(constantLink("https://x.test/register?ref=AAA"), analyzer, NewMemoryStore(), FishSettings{})

	referral, report, err := c.CheckAccountLink(context.Background(), "user-1", "BETA")
	require.NoError(t, err)
	assert.Equal(t, "https://x.test/register?ref=AAA", referral.ReferralLink)
	assert.Equal(t, models.Accessible, report.Classification)
	assert.Equal(t, []string{"https://x.test/register?ref=AAA"}, analyzer.checked)
}

func TestBulkScanDeduplicatesAndChecks(t *testing.T) {
	doer := &pageDoer{link: func(call int) string { return fmt.Sprintf("https://m%d.test/register?ref=A", call%2) }}
	analyzer := &fakeAnalyzer{}
	store := NewMemoryStore()
	c, _ := newTestController(doer, analyzer, store, FishSettings{Iterations: 5})

	var progress []int
	result, err := c.BulkScan(context.Background(), "user-1", "ALPHA", func(done, total int) { progress = append(progress, done) })
	require.NoError(t, err)

	assert.False(t, result.Cancelled)
	assert.Equal(t, 2, result.NewLinks)
	assert.ElementsMatch(t, []string{"https://m0.test/register?ref=A", "https://m1.test/register?ref=A"}, result.Links)
	require.NotNil(t, result.Report)
	assert.Len(t, result.Report.Accessible, 2)
	assert.Equal(t, []int{1, 2}, progress)
	assert.EqualValues(t, 5, doer.calls.Load())

	st, _ := store.Get(context.Background(), "user-1")
	assert.False(t, st.BulkScanRunning)

	// Links accumulate over the session; a second scan finds nothing new.
	result, err = c.BulkScan(context.Background(), "user-1", "ALPHA", nil)
	require.NoError(t, err)
	assert.Zero(t, result.NewLinks)
	assert.Len(t, result.Links, 2)
}

// gateDoer blocks its first call until released.
type gateDoer struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (d *gateDoer) Get(ctx context.Context, _ string, _ http.Header) (*fetch.Response, error) {
	if d.calls.Add(1) == 1 {
		close(d.started)
		<-d.release
	}
	return &fetch.Response{StatusCode: http.StatusOK, Body: linkPage("https://m.test/register?ref=A")}, nil
}

func TestBulkScanSecondCallCancels(t *testing.T) {
	doer := &gateDoer{started: make(chan struct{}), release: make(chan struct{})}
	analyzer := &fakeAnalyzer{}
	store := NewMemoryStore()
	c, _ := newTestController(doer, analyzer, store, FishSettings{Iterations: 10})

	done := make(chan *ScanResult, 1)
	go func() {
		result, err := c.BulkScan(context.Background(), "user-1", "ALPHA", nil)
		assert.NoError(t, err)
		done <- result
	}()

	<-doer.started
	stop, err := c.BulkScan(context.Background(), "user-1", "ALPHA", nil)
	require.NoError(t, err)
	assert.True(t, stop.Cancelled)
	close(doer.release)

	select {
	case result := <-done:
		assert.True(t, result.Cancelled)
		assert.Equal(t, []string{"https://m.test/register?ref=A"}, result.Links)
		assert.Nil(t, result.Report)
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not observe cancellation")
	}

	assert.EqualValues(t, 1, doer.calls.Load())
	assert.Empty(t, analyzer.bulk)
	st, _ := store.Get(context.Background(), "user-1")
	assert.False(t, st.BulkScanRunning)
	assert.False(t, c.Busy("user-1"))
}

func TestBulkScanStopThenRestart(t *testing.T) {
	doer := &gateDoer{started: make(chan struct{}), release: make(chan struct{})}
	analyzer := &fakeAnalyzer{}
	store := NewMemoryStore()
	c, _ := newTestController(doer, analyzer, store, FishSettings{Iterations: 10})
	ctx := context.Background()

	first := make(chan *ScanResult, 1)
	go func() {
		result, err := c.BulkScan(ctx, "user-1", "ALPHA", nil)
		assert.NoError(t, err)
		first <- result
	}()
	<-doer.started

	stop, err := c.BulkScan(ctx, "user-1", "ALPHA", nil)
	require.NoError(t, err)
	assert.True(t, stop.Cancelled)

	second := make(chan *ScanResult, 1)
	go func() {
		result, err := c.BulkScan(ctx, "user-1", "ALPHA", nil)
		assert.NoError(t, err)
		second <- result
	}()
	// The new scan marks itself running before it waits for the first one.
	require.Eventually(t, func() bool {
		st, _ := store.Get(ctx, "user-1")
		return st.BulkScanRunning
	}, 5*time.Second, 5*time.Millisecond)
	close(doer.release)

	select {
	case result := <-first:
		assert.True(t, result.Cancelled)
		assert.Nil(t, result.Report)
	case <-time.After(5 * time.Second):
		t.Fatal("stopped scan kept running")
	}

	select {
	case result := <-second:
		assert.False(t, result.Cancelled)
		require.NotNil(t, result.Report)
		assert.Equal(t, []string{"https://m.test/register?ref=A"}, result.Links)
	case <-time.After(5 * time.Second):
		t.Fatal("restarted scan did not finish")
	}

	// One fetch by the stopped scan, ten by the restarted one.
	assert.EqualValues(t, 11, doer.calls.Load())
	assert.Len(t, analyzer.bulk, 1)
	st, _ := store.Get(ctx, "user-1")
	assert.False(t, st.BulkScanRunning)
	assert.Empty(t, st.BulkScanID)
}

func TestBulkScanClearsFlagOnPrecondition(t *testing.T) {
	store := NewMemoryStore()
	c, _ := newTestController(constantLink("x"), &fakeAnalyzer{}, store, FishSettings{})

	_, err := c.BulkScan(context.Background(), "user-1", "MISSING", nil)
	var precondition *credentials.PreconditionError
	assert.ErrorAs(t, err, &precondition)

	st, _ := store.Get(context.Background(), "user-1")
	assert.False(t, st.BulkScanRunning)
}

func TestCustomLinkFlow(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	store := NewMemoryStore()
	c, _ := newTestController(constantLink("x"), analyzer, store, FishSettings{})
	ctx := context.Background()

	_, err := c.SubmitCustomLink(ctx, "user-1", "https://a.example")
	assert.ErrorIs(t, err, ErrNotWaiting)

	require.NoError(t, c.PromptCustomLink(ctx, "user-1"))

	_, err = c.SubmitCustomLink(ctx, "user-1", "a.example")
	var invalid *targets.InvalidURLError
	assert.ErrorAs(t, err, &invalid)
	st, _ := store.Get(ctx, "user-1")
	assert.True(t, st.WaitingForCustomLink)

	report, err := c.SubmitCustomLink(ctx, "user-1", "https://a.example")
	require.NoError(t, err)
	assert.Equal(t, "a.example", report.Hostname)
	st, _ = store.Get(ctx, "user-1")
	assert.False(t, st.WaitingForCustomLink)

	require.NoError(t, c.PromptCustomLink(ctx, "user-1"))
	require.NoError(t, c.CancelPrompt(ctx, "user-1"))
	_, err = c.SubmitCustomLink(ctx, "user-1", "https://a.example")
	assert.ErrorIs(t, err, ErrNotWaiting)
}

func TestSubmitCustomLinkConsumesPromptOnce(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	c, _ := newTestController(constantLink("x"), analyzer, NewMemoryStore(), FishSettings{})
	ctx := context.Background()
	require.NoError(t, c.PromptCustomLink(ctx, "user-1"))

	var (
		wg                   sync.WaitGroup
		accepted, notWaiting atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.SubmitCustomLink(ctx, "user-1", "https://a.example")
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrNotWaiting):
				notWaiting.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, accepted.Load())
	assert.EqualValues(t, 7, notWaiting.Load())
	assert.Len(t, analyzer.checked, 1)
}

func TestReset(t *testing.T) {
	store := NewMemoryStore()
	c, _ := newTestController(constantLink("https://x.test/?ref=1"), &fakeAnalyzer{}, store, FishSettings{})
	ctx := context.Background()

	_, err := c.GetLink(ctx, "user-1", "ALPHA")
	require.NoError(t, err)
	require.NoError(t, c.Reset(ctx, "user-1"))

	_, ok, err := c.LastLink(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
