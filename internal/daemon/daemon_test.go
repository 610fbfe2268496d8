package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fadein/scriptsyncd/internal/config"
	"github.com/fadein/scriptsyncd/internal/sync"
)

// stubChecker serves scripted results, repeating the last one.
type stubChecker struct {
	results []sync.Result
	calls   int
}

func (s *stubChecker) Check(ctx context.Context) sync.Result {
	s.calls++
	if len(s.results) == 0 {
		return sync.Result{Outcome: sync.OutcomeNoOp}
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r
}

// stubQuerier counts CI status queries.
type stubQuerier struct {
	count int
	err   error
	calls int
}

func (s *stubQuerier) InProgressCount(ctx context.Context) (int, error) {
	s.calls++
	return s.count, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	cfg.Paths.StateDir = filepath.Join(t.TempDir(), "state")
	cfg.Daemon.TickInterval = 5 * time.Millisecond
	cfg.Daemon.MaxLifetime = 40 * time.Millisecond
	cfg.Daemon.ActionsCheckInterval = time.Hour
	return cfg
}

func TestRun_ExitsEarlyOnSync(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.MaxLifetime = time.Hour // only the sync may end this run

	checker := &stubChecker{results: []sync.Result{
		{Outcome: sync.OutcomeSynced, Commit: "bbb", UpdatedArtifacts: []string{"pilot.pdf"}},
	}}

	d := New(cfg, checker, &stubQuerier{}, discardLogger())

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not exit after a successful sync")
	}

	assert.Equal(t, 1, checker.calls)
	_, err := os.Stat(cfg.PIDFilePath())
	assert.True(t, os.IsNotExist(err), "PID record must be removed on exit")
}

func TestRun_LifetimeExpiryWithoutSync(t *testing.T) {
	cfg := testConfig(t)

	checker := &stubChecker{} // always no-op
	d := New(cfg, checker, &stubQuerier{}, discardLogger())

	start := time.Now()
	require.NoError(t, d.Run(context.Background()))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, cfg.Daemon.MaxLifetime,
		"loop must run out its lifetime before exiting")
	assert.GreaterOrEqual(t, checker.calls, 2, "loop must keep polling until the lifetime expires")

	_, err := os.Stat(cfg.PIDFilePath())
	assert.True(t, os.IsNotExist(err))
}

func TestRun_SyncErrorKeepsLooping(t *testing.T) {
	cfg := testConfig(t)

	checker := &stubChecker{results: []sync.Result{
		{Outcome: sync.OutcomeError, Err: errors.New("pull failed")},
		{Outcome: sync.OutcomeError, Err: errors.New("pull failed")},
		{Outcome: sync.OutcomeSynced, Commit: "ccc"},
	}}

	d := New(cfg, checker, &stubQuerier{}, discardLogger())
	cfg.Daemon.MaxLifetime = time.Hour

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not recover from sync errors")
	}

	assert.Equal(t, 3, checker.calls)
}

func TestRun_AlreadyRunning(t *testing.T) {
	cfg := testConfig(t)

	// Claim the record on behalf of this very process.
	require.NoError(t, os.MkdirAll(cfg.Paths.StateDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.PIDFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o600))

	d := New(cfg, &stubChecker{}, &stubQuerier{}, discardLogger())

	err := d.Run(context.Background())
	var already *AlreadyRunningError
	require.True(t, errors.As(err, &already))
	assert.Equal(t, os.Getpid(), already.PID)

	// The record must survive: it belongs to the "other" daemon.
	_, statErr := os.Stat(cfg.PIDFilePath())
	assert.NoError(t, statErr)
}

func TestRun_CancellationStopsLoop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.MaxLifetime = time.Hour
	cfg.Daemon.TickInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	d := New(cfg, &stubChecker{}, &stubQuerier{}, discardLogger())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon ignored cancellation")
	}

	_, err := os.Stat(cfg.PIDFilePath())
	assert.True(t, os.IsNotExist(err))
}

func TestRun_ActionsCheckRespectsInterval(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.ActionsCheckInterval = time.Hour // only the first tick qualifies

	querier := &stubQuerier{count: 3}
	d := New(cfg, &stubChecker{}, querier, discardLogger())

	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, 1, querier.calls, "CI status must be checked once per interval")
}

func TestRun_ActionsCheckFailureIsAdvisory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.ActionsCheckInterval = time.Nanosecond

	querier := &stubQuerier{err: errors.New("gh not authenticated")}
	checker := &stubChecker{results: []sync.Result{{Outcome: sync.OutcomeSynced, Commit: "bbb"}}}

	d := New(cfg, checker, querier, discardLogger())

	require.NoError(t, d.Run(context.Background()))
	assert.GreaterOrEqual(t, querier.calls, 1)
	assert.Equal(t, 1, checker.calls, "CI failure must not block the sync-check")
}

func TestQueryStatus_NotRunning(t *testing.T) {
	cfg := testConfig(t)

	status := QueryStatus(context.Background(), cfg, &stubQuerier{}, discardLogger())

	assert.False(t, status.Running)
	assert.Zero(t, status.PID)
}

func TestQueryStatus_RunningIsReadOnly(t *testing.T) {
	cfg := testConfig(t)

	require.NoError(t, os.MkdirAll(cfg.Paths.StateDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.PIDFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o600))
	require.NoError(t, os.WriteFile(cfg.LogFilePath(), []byte("line one\nline two\n"), 0o600))

	before, err := os.ReadFile(cfg.PIDFilePath())
	require.NoError(t, err)

	querier := &stubQuerier{count: 2}
	for i := 0; i < 3; i++ {
		status := QueryStatus(context.Background(), cfg, querier, discardLogger())
		assert.True(t, status.Running)
		assert.Equal(t, os.Getpid(), status.PID)
		assert.Equal(t, 2, status.InProgressRuns)
		assert.Equal(t, []string{"line one", "line two"}, status.LogTail)
	}

	// Repeated status queries must not mutate the record or the log.
	after, err := os.ReadFile(cfg.PIDFilePath())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	log, err := os.ReadFile(cfg.LogFilePath())
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(log))
}

func TestStop_NotRunning(t *testing.T) {
	cfg := testConfig(t)

	err := Stop(cfg, discardLogger())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStop_RemovesStaleRecord(t *testing.T) {
	cfg := testConfig(t)

	require.NoError(t, os.MkdirAll(cfg.Paths.StateDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.PIDFilePath(), []byte("99999999"), 0o600))

	err := Stop(cfg, discardLogger())
	assert.ErrorIs(t, err, ErrNotRunning)

	_, statErr := os.Stat(cfg.PIDFilePath())
	assert.True(t, os.IsNotExist(statErr), "stale record should be tidied up")
}
