package syncloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	errs "github.com/steef435/riotx-sdk/internal/errors"
	"github.com/steef435/riotx-sdk/internal/handler"
	"github.com/steef435/riotx-sdk/internal/live"
	"github.com/steef435/riotx-sdk/internal/matrix"
	"github.com/steef435/riotx-sdk/internal/store"
	"github.com/steef435/riotx-sdk/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type harness struct {
	loop  *Loop
	store *store.Store
	api   *matrix.MockAPI

	mu     sync.Mutex
	sleeps []time.Duration
	fatals []error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	ctrl := gomock.NewController(t)
	h := &harness{api: matrix.NewMockAPI(ctrl), store: storetest.Open(t)}

	if cfg.BackoffMin == 0 {
		cfg.BackoffMin = time.Second
		cfg.BackoffMax = 8 * time.Second
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	cfg.OnFatal = func(err error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.fatals = append(h.fatals, err)
	}

	logger := slog.New(slog.DiscardHandler)
	h.loop = New(h.api, h.store, handler.New("@alice:hs", logger), cfg, logger)
	h.loop.jitter = func(time.Duration) time.Duration { return 0 }
	h.loop.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}

	t.Cleanup(h.loop.Close)

	return h
}

func (h *harness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func (h *harness) recordedFatals() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.fatals...)
}

// blockUntilCancelled is a Sync stub for the poll that should hang.
func blockUntilCancelled(ctx context.Context, _ matrix.SyncRequest) (*matrix.SyncResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func waitState(t *testing.T, sub *live.Subscription[State], pred func(State) bool) State {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-sub.C():
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for state")
			return State{}
		}
	}
}

func kindIs(k Kind) func(State) bool {
	return func(s State) bool { return s.Kind == k }
}

// --- Steady state ---

func TestStart_InitialSyncThenLongPoll(t *testing.T) {
	h := newHarness(t, Config{Timeout: 25 * time.Second})

	var second matrix.SyncRequest
	gomock.InOrder(
		h.api.EXPECT().Sync(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req matrix.SyncRequest) (*matrix.SyncResponse, error) {
				assert.Empty(t, req.Since)
				assert.Zero(t, req.Timeout, "initial sync must not long-poll")
				return &matrix.SyncResponse{NextBatch: "s1"}, nil
			}),
		h.api.EXPECT().Sync(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, req matrix.SyncRequest) (*matrix.SyncResponse, error) {
				second = req
				return blockUntilCancelled(ctx, req)
			}),
	)

	sub := h.loop.States()
	defer sub.Close()

	h.loop.Start(true)
	waitState(t, sub, kindIs(Running))

	h.loop.Stop()
	assert.Equal(t, Stopped, h.loop.State().Kind)
	assert.False(t, h.loop.IsAlive())

	assert.Equal(t, "s1", second.Since)
	assert.Equal(t, 25*time.Second, second.Timeout)
	assert.Empty(t, second.SetPresence)

	tok, err := h.store.SyncToken()
	require.NoError(t, err)
	assert.Equal(t, "s1", tok, "stop leaves the committed token alone")
}

func TestStart_BackgroundAnnouncesOffline(t *testing.T) {
	h := newHarness(t, Config{})

	got := make(chan string, 1)
	h.api.EXPECT().Sync(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req matrix.SyncRequest) (*matrix.SyncResponse, error) {
			select {
			case got <- req.SetPresence:
			default:
			}
			return blockUntilCancelled(ctx, req)
		}).AnyTimes()

	h.loop.Start(false)
	assert.Equal(t, "offline", <-got)
}

func TestStart_RestartNeverRunsTwoPollers(t *testing.T) {
	h := newHarness(t, Config{})

	var active, maxActive atomic.Int32
	started := make(chan struct{}, 10)

	h.api.EXPECT().Sync(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req matrix.SyncRequest) (*matrix.SyncResponse, error) {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			started <- struct{}{}
			return blockUntilCancelled(ctx, req)
		}).AnyTimes()

	for range 3 {
		h.loop.Start(true)
		<-started
	}

	h.loop.Stop()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestPause_ResumeMarksAfterPause(t *testing.T) {
	h := newHarness(t, Config{Timeout: 30 * time.Second})
	require.NoError(t, h.store.RunTransaction(func(tx *store.Tx) error { return tx.SetSyncToken("s7") }))

	var calls atomic.Int32
	h.api.EXPECT().Sync(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req matrix.SyncRequest) (*matrix.SyncResponse, error) {
			switch calls.Add(1) {
			case 1:
				return blockUntilCancelled(ctx, req)
			case 2:
				assert.Zero(t, req.Timeout, "first poll after pause is immediate")
				return &matrix.SyncResponse{NextBatch: "s8"}, nil
			default:
				return blockUntilCancelled(ctx, req)
			}
		}).AnyTimes()

	sub := h.loop.States()
	defer sub.Close()

	h.loop.Start(true)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.loop.Pause()
	assert.Equal(t, Paused, h.loop.State().Kind)

	h.loop.Start(true)
	s := waitState(t, sub, kindIs(Running))
	assert.True(t, s.AfterPause)
	assert.Equal(t, "running(after_pause)", s.String())
}

func TestPause_WhenStoppedIsNoop(t *testing.T) {
	h := newHarness(t, Config{})
	h.loop.Pause()
	assert.Equal(t, Stopped, h.loop.State().Kind)
}

// --- Failures ---

func TestRun_TransientBackoffBounded(t *testing.T) {
	h := newHarness(t, Config{BackoffMin: time.Second, BackoffMax: 3 * time.Second})
	h.loop.jitter = func(d time.Duration) time.Duration { return d } // worst case

	var calls atomic.Int32
	h.api.EXPECT().Sync(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req matrix.SyncRequest) (*matrix.SyncResponse, error) {
			if calls.Add(1) <= 4 {
				return nil, &matrix.TransientError{Err: &matrix.MatrixError{Code: matrix.ErrCodeUnknown, StatusCode: 502}}
			}
			return blockUntilCancelled(ctx, req)
		}).AnyTimes()

	sub := h.loop.States()
	defer sub.Close()

	h.loop.Start(true)
	s := waitState(t, sub, kindIs(RetryBackoff))
	assert.True(t, matrix.IsTransient(s.Err))

	require.Eventually(t, func() bool { return len(h.recordedSleeps()) == 4 }, 2*time.Second, 5*time.Millisecond)
	for _, d := range h.recordedSleeps() {
		assert.LessOrEqual(t, d, 3*time.Second)
		assert.Positive(t, d)
	}

	tok, err := h.store.SyncToken()
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestRun_ConnectionErrorIsNoNetwork(t *testing.T) {
	h := newHarness(t, Config{})

	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	var calls atomic.Int32
	h.api.EXPECT().Sync(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req matrix.SyncRequest) (*matrix.SyncResponse, error) {
			if calls.Add(1) == 1 {
				return nil, &matrix.TransientError{Err: dialErr}
			}
			return blockUntilCancelled(ctx, req)
		}).AnyTimes()

	sub := h.loop.States()
	defer sub.Close()

	h.loop.Start(true)
	waitState(t, sub, kindIs(NoNetwork))
}

func TestRun_RetryAfterHonoredAndClamped(t *testing.T) {
	h := newHarness(t, Config{BackoffMin: time.Second, BackoffMax: 10 * time.Second})

	limited := func(d time.Duration) error {
		return &matrix.TransientError{Err: &matrix.MatrixError{Code: matrix.ErrCodeLimitExceeded, StatusCode: 429, RetryAfter: d}}
	}

	var calls atomic.Int32
	h.api.EXPECT().Sync(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req matrix.SyncRequest) (*matrix.SyncResponse, error) {
			switch calls.Add(1) {
			case 1:
				return nil, limited(500 * time.Millisecond)
			case 2:
				return nil, limited(time.Hour)
			default:
				return blockUntilCancelled(ctx, req)
			}
		}).AnyTimes()

	h.loop.Start(true)
	require.Eventually(t, func() bool { return len(h.recordedSleeps()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 10 * time.Second}, h.recordedSleeps())
}

func TestRun_AuthExpiredStops(t *testing.T) {
	h := newHarness(t, Config{})

	h.api.EXPECT().Sync(gomock.Any(), gomock.Any()).
		Return(nil, &matrix.MatrixError{Code: matrix.ErrCodeUnknownToken, StatusCode: 401}).Times(1)

	sub := h.loop.States()
	defer sub.Close()

	h.loop.Start(true)
	s := waitState(t, sub, kindIs(Error))
	assert.Equal(t, FailureAuthExpired, s.Failure)

	require.Eventually(t, func() bool { return !h.loop.IsAlive() }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, h.recordedFatals(), 1)
	assert.True(t, matrix.IsAuthError(h.recordedFatals()[0]))
}

func TestRun_ParseFailureAfterRetries(t *testing.T) {
	h := newHarness(t, Config{MaxParseRetries: 3})

	h.api.EXPECT().Sync(gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("%w: unexpected EOF", errs.ErrMalformedResponse)).Times(3)

	sub := h.loop.States()
	defer sub.Close()

	h.loop.Start(true)
	s := waitState(t, sub, kindIs(Error))
	assert.Equal(t, FailureParse, s.Failure)
	assert.ErrorIs(t, s.Err, errs.ErrParseFailure)
	assert.Len(t, h.recordedSleeps(), 2)
}

func TestRun_ConsentNotifiesAndRetries(t *testing.T) {
	h := newHarness(t, Config{})

	var calls atomic.Int32
	h.api.EXPECT().Sync(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req matrix.SyncRequest) (*matrix.SyncResponse, error) {
			switch calls.Add(1) {
			case 1:
				return nil, &matrix.MatrixError{Code: matrix.ErrCodeConsentNotGiven, StatusCode: 403, ConsentURI: "https://hs/terms"}
			case 2:
				return &matrix.SyncResponse{NextBatch: "s1"}, nil
			default:
				return blockUntilCancelled(ctx, req)
			}
		}).AnyTimes()

	sub := h.loop.States()
	defer sub.Close()

	h.loop.Start(true)
	waitState(t, sub, kindIs(Running))

	fatals := h.recordedFatals()
	require.Len(t, fatals, 1)
	assert.True(t, matrix.IsConsentNotGiven(fatals[0]))
}

func TestRun_StoreFailureStops(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.EXPECT().Sync(gomock.Any(), gomock.Any()).Return(&matrix.SyncResponse{NextBatch: "s1"}, nil).AnyTimes()

	require.NoError(t, h.store.Close())

	sub := h.loop.States()
	defer sub.Close()

	h.loop.Start(true)
	s := waitState(t, sub, kindIs(Error))
	assert.Equal(t, FailureStoreWrite, s.Failure)
	assert.ErrorIs(t, s.Err, errs.ErrStoreWrite)
}

// --- SyncOnce ---

func TestSyncOnce_AppliesOneIncrement(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.store.RunTransaction(func(tx *store.Tx) error { return tx.SetSyncToken("s1") }))

	h.api.EXPECT().Sync(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req matrix.SyncRequest) (*matrix.SyncResponse, error) {
			assert.Equal(t, "s1", req.Since)
			assert.Equal(t, 5*time.Second, req.Timeout)
			assert.Equal(t, "offline", req.SetPresence)
			return &matrix.SyncResponse{NextBatch: "s2"}, nil
		})

	require.NoError(t, h.loop.SyncOnce(context.Background(), 5*time.Second))

	tok, err := h.store.SyncToken()
	require.NoError(t, err)
	assert.Equal(t, "s2", tok)
	assert.Equal(t, Stopped, h.loop.State().Kind)
}

func TestSyncIncrement_StaleResponseDiscarded(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.store.RunTransaction(func(tx *store.Tx) error { return tx.SetSyncToken("s5") }))

	h.api.EXPECT().Sync(gomock.Any(), gomock.Any()).Return(&matrix.SyncResponse{NextBatch: "s2"}, nil)

	next, err := h.loop.syncIncrement(context.Background(), "s1", 0, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "s5", next)

	tok, err := h.store.SyncToken()
	require.NoError(t, err)
	assert.Equal(t, "s5", tok, "token never moves backwards")
}

// --- helpers ---

func TestNextBackoff(t *testing.T) {
	lo, hi := time.Second, 10*time.Second
	assert.Equal(t, 2*time.Second, nextBackoff(0, lo, hi))
	assert.Equal(t, 4*time.Second, nextBackoff(2*time.Second, lo, hi))
	assert.Equal(t, hi, nextBackoff(8*time.Second, lo, hi))
	assert.Equal(t, hi, nextBackoff(hi, lo, hi))
}

func TestRandomJitter(t *testing.T) {
	assert.Zero(t, randomJitter(0))
	for range 100 {
		j := randomJitter(time.Second)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, 500*time.Millisecond)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "error(auth_expired)", State{Kind: Error, Failure: FailureAuthExpired}.String())
	assert.Equal(t, "no_network", State{Kind: NoNetwork}.String())
}
