package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/odvcencio/browserlink/pkg/credential"
	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
	"github.com/odvcencio/browserlink/pkg/logging"
	"github.com/odvcencio/browserlink/pkg/telemetry"
)

type fakeConn struct {
	kind   Kind
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

func newFakeConn(kind Kind) *fakeConn {
	return &fakeConn{kind: kind, done: make(chan struct{})}
}

func (c *fakeConn) Kind() Kind            { return c.kind }
func (c *fakeConn) Target() string        { return "fake://" + string(c.kind) }
func (c *fakeConn) Send([]byte) error     { return nil }
func (c *fakeConn) Done() <-chan struct{} { return c.done }
func (c *fakeConn) Err() error            { return nil }
func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

// fakeDialer opens after delay, fails with err, or blocks until cancelled
// when hang is set. ignoreCancel makes it finish its delay regardless of ctx.
type fakeDialer struct {
	kind         Kind
	delay        time.Duration
	err          error
	hang         bool
	ignoreCancel bool
	gate         <-chan struct{}

	calls     atomic.Int32
	startedAt atomic.Int64
	mu        sync.Mutex
	conns     []*fakeConn
}

func (d *fakeDialer) Kind() Kind     { return d.kind }
func (d *fakeDialer) Target() string { return "fake://" + string(d.kind) }

func (d *fakeDialer) Dial(ctx context.Context, _ credential.Credential) (Conn, error) {
	d.calls.Add(1)
	d.startedAt.Store(time.Now().UnixNano())
	if d.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if d.ignoreCancel {
		time.Sleep(d.delay)
	} else {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConn(d.kind)
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) opened() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

func testRacer(primary, fallback Dialer) *Racer {
	return &Racer{
		Primary:         primary,
		Fallback:        fallback,
		PreferenceDelay: 150 * time.Millisecond,
		ConnectTimeout:  350 * time.Millisecond,
		Logger:          logging.Discard(),
		Metrics:         telemetry.NewMetrics(nil),
	}
}

func TestRace_PrimaryOpensBeforePreferenceDelay(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	raw := &fakeDialer{kind: KindRaw, delay: 20 * time.Millisecond}
	mux := &fakeDialer{kind: KindMultiplexed, delay: time.Millisecond}
	racer := testRacer(raw, mux)

	result, err := racer.Race(context.Background(), credential.Credential{Token: "T1"})
	require.NoError(t, err)
	defer result.Conn.Close()

	assert.Equal(t, KindRaw, result.Conn.Kind())
	assert.Equal(t, StateOpen, result.Winner.State())
	assert.Len(t, result.Attempts, 1)
	assert.Equal(t, "T1", result.Winner.Credential.Token)

	// The preference delay passing afterwards must not start the fallback.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), mux.calls.Load(), "fallback must never start when the primary opens first")
}

func TestRace_FallbackWinsAfterPreferenceDelay(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	raw := &fakeDialer{kind: KindRaw, hang: true}
	mux := &fakeDialer{kind: KindMultiplexed, delay: 20 * time.Millisecond}
	racer := testRacer(raw, mux)

	start := time.Now()
	result, err := racer.Race(context.Background(), credential.Credential{})
	require.NoError(t, err)
	defer result.Conn.Close()

	assert.Equal(t, KindMultiplexed, result.Conn.Kind())
	require.Len(t, result.Attempts, 2)
	assert.GreaterOrEqual(t, time.Since(start), racer.PreferenceDelay)

	fallbackStart := time.Unix(0, mux.startedAt.Load())
	assert.GreaterOrEqual(t, fallbackStart.Sub(start), racer.PreferenceDelay-10*time.Millisecond)

	primary := result.Attempts[0]
	assert.Equal(t, KindRaw, primary.Kind)
	assert.Equal(t, StateClosed, primary.State(), "losing attempt must be closed when the race returns")
}

func TestRace_AllTransportsFailedOnTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	raw := &fakeDialer{kind: KindRaw, hang: true}
	mux := &fakeDialer{kind: KindMultiplexed, hang: true}
	racer := testRacer(raw, mux)

	start := time.Now()
	result, err := racer.Race(context.Background(), credential.Credential{})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, bkerrors.IsCode(err, bkerrors.ErrCodeAllTransportsFailed))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.GreaterOrEqual(t, elapsed, racer.ConnectTimeout)
	assert.Less(t, elapsed, racer.ConnectTimeout+250*time.Millisecond)
	assert.Equal(t, int32(1), raw.calls.Load())
	assert.Equal(t, int32(1), mux.calls.Load())
}

func TestRace_PrimaryFailureStartsFallbackImmediately(t *testing.T) {
	raw := &fakeDialer{kind: KindRaw, err: errors.New("connection refused")}
	mux := &fakeDialer{kind: KindMultiplexed, delay: 10 * time.Millisecond}
	racer := testRacer(raw, mux)

	start := time.Now()
	result, err := racer.Race(context.Background(), credential.Credential{})
	require.NoError(t, err)
	defer result.Conn.Close()

	assert.Equal(t, KindMultiplexed, result.Conn.Kind())
	assert.Less(t, time.Since(start), racer.PreferenceDelay)
	assert.Equal(t, StateFailed, result.Attempts[0].State())
	assert.Error(t, result.Attempts[0].Err())
}

func TestRace_BothFailCarriesCauses(t *testing.T) {
	rejected := bkerrors.New(bkerrors.ErrCodeAuthRejected, "401")
	raw := &fakeDialer{kind: KindRaw, err: rejected}
	mux := &fakeDialer{kind: KindMultiplexed, err: errors.New("handshake failed")}
	racer := testRacer(raw, mux)

	_, err := racer.Race(context.Background(), credential.Credential{})
	require.Error(t, err)
	assert.True(t, bkerrors.IsCode(err, bkerrors.ErrCodeAllTransportsFailed))
	assert.True(t, bkerrors.IsCode(err, bkerrors.ErrCodeAuthRejected))
	assert.Contains(t, err.Error(), "handshake failed")
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRace_SimultaneousOpenPrefersPrimary(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	for i := 0; i < 20; i++ {
		gate := make(chan struct{})
		raw := &fakeDialer{kind: KindRaw, gate: gate}
		mux := &fakeDialer{kind: KindMultiplexed, gate: gate}
		racer := testRacer(raw, mux)
		racer.PreferenceDelay = 10 * time.Millisecond

		go func() {
			time.Sleep(40 * time.Millisecond)
			close(gate)
		}()

		result, err := racer.Race(context.Background(), credential.Credential{})
		require.NoError(t, err)
		assert.Equal(t, KindRaw, result.Conn.Kind(), "iteration %d", i)
		for _, conn := range mux.opened() {
			assert.True(t, conn.closed.Load(), "losing connection must be closed")
		}
		require.NoError(t, result.Conn.Close())
	}
}

func TestRace_LateLoserIsClosed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// The primary keeps dialing past cancellation and opens after the fallback won.
	raw := &fakeDialer{kind: KindRaw, delay: 250 * time.Millisecond, ignoreCancel: true}
	mux := &fakeDialer{kind: KindMultiplexed, delay: 10 * time.Millisecond}
	racer := testRacer(raw, mux)
	racer.PreferenceDelay = 50 * time.Millisecond

	result, err := racer.Race(context.Background(), credential.Credential{})
	require.NoError(t, err)
	defer result.Conn.Close()

	assert.Equal(t, KindMultiplexed, result.Conn.Kind())
	late := raw.opened()
	require.Len(t, late, 1, "the late primary conn exists by the time Race returns")
	assert.True(t, late[0].closed.Load())
	assert.Equal(t, StateClosed, result.Attempts[0].State())

	openCount := 0
	for _, a := range result.Attempts {
		if a.State() == StateOpen {
			openCount++
		}
	}
	assert.Equal(t, 1, openCount, "exactly one attempt may be open")
}

func TestRace_ParentCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	raw := &fakeDialer{kind: KindRaw, hang: true}
	racer := testRacer(raw, nil)
	racer.ConnectTimeout = 0

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := racer.Race(ctx, credential.Credential{})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, bkerrors.IsCode(err, bkerrors.ErrCodeAllTransportsFailed))
}

func TestRace_WinnerClosedReportsClosed(t *testing.T) {
	raw := &fakeDialer{kind: KindRaw, delay: time.Millisecond}
	result, err := testRacer(raw, nil).Race(context.Background(), credential.Credential{})
	require.NoError(t, err)
	require.Equal(t, StateOpen, result.Winner.State())

	require.NoError(t, result.Conn.Close())
	assert.Equal(t, StateClosed, result.Winner.State())
}

func TestRace_NoPrimary(t *testing.T) {
	_, err := (&Racer{}).Race(context.Background(), credential.Credential{})
	require.Error(t, err)
	assert.True(t, bkerrors.IsCode(err, bkerrors.ErrCodeInvalidInput))
}
