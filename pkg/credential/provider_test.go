package credential

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
	"github.com/odvcencio/browserlink/pkg/logging"
)

type guestServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newGuestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *guestServer {
	t.Helper()
	gs := &guestServer{}
	gs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gs.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(gs.Close)
	return gs
}

func respondToken(token string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "token": token})
	}
}

func TestProvider_CachesValidCredential(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Minute))
	server := newGuestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		respondToken(token)(w, r)
	})
	p := NewProvider(Options{Endpoint: server.URL, Logger: logging.Discard()})

	first, err := p.EnsureCredential(context.Background())
	require.NoError(t, err)
	second, err := p.EnsureCredential(context.Background())
	require.NoError(t, err)

	assert.Equal(t, token, first.Token)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), server.calls.Load(), "a valid cached credential must not trigger a network call")
}

func TestProvider_RefreshesExpiredCredential(t *testing.T) {
	now := time.Now()
	clock := now
	var mu sync.Mutex
	tokens := []string{
		signedToken(t, now.Add(60*time.Second)),
		signedToken(t, now.Add(10*time.Minute)),
	}
	var served atomic.Int32
	server := newGuestServer(t, func(w http.ResponseWriter, r *http.Request) {
		idx := served.Add(1) - 1
		respondToken(tokens[idx])(w, r)
	})
	p := NewProvider(Options{
		Endpoint: server.URL,
		Logger:   logging.Discard(),
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return clock
		},
	})

	first, err := p.EnsureCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tokens[0], first.Token)

	mu.Lock()
	clock = now.Add(2 * time.Minute)
	mu.Unlock()

	second, err := p.EnsureCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tokens[1], second.Token)
	assert.Equal(t, int32(2), server.calls.Load())
}

func TestProvider_RefreshMargin(t *testing.T) {
	token := signedToken(t, time.Now().Add(3*time.Second))
	server := newGuestServer(t, respondToken(token))
	p := NewProvider(Options{Endpoint: server.URL, RefreshMargin: 5 * time.Second, Logger: logging.Discard()})

	_, err := p.EnsureCredential(context.Background())
	require.NoError(t, err)
	_, err = p.EnsureCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), server.calls.Load(), "a credential inside the refresh margin is refreshed")
}

func TestProvider_RejectsExpiredIssuedToken(t *testing.T) {
	server := newGuestServer(t, respondToken(signedToken(t, time.Now().Add(-time.Minute))))
	p := NewProvider(Options{Endpoint: server.URL, Logger: logging.Discard()})

	_, err := p.EnsureCredential(context.Background())
	require.Error(t, err)
	assert.True(t, bkerrors.IsCode(err, bkerrors.ErrCodeAuthUnavailable))
	_, cached := p.Cached()
	assert.False(t, cached)
}

func TestProvider_AuthUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler func(http.ResponseWriter, *http.Request)
	}{
		{"ok false", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ok":false,"message":"guest access disabled"}`))
		}},
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"garbage", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		}},
		{"empty token", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ok":true,"token":""}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newGuestServer(t, tt.handler)
			p := NewProvider(Options{Endpoint: server.URL, Logger: logging.Discard()})
			_, err := p.EnsureCredential(context.Background())
			require.Error(t, err)
			assert.Equal(t, bkerrors.ErrCodeAuthUnavailable, bkerrors.GetCode(err))
			assert.True(t, bkerrors.IsRetryable(err))
		})
	}

	t.Run("network failure", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()
		p := NewProvider(Options{Endpoint: url, Logger: logging.Discard()})
		_, err := p.EnsureCredential(context.Background())
		require.Error(t, err)
		assert.Equal(t, bkerrors.ErrCodeAuthUnavailable, bkerrors.GetCode(err))
	})
}

func TestProvider_PersistsAndReusesStoredCredential(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := signedToken(t, time.Now().Add(time.Hour))
	server := newGuestServer(t, respondToken(token))

	p := NewProvider(Options{Endpoint: server.URL, Store: store, Logger: logging.Discard()})
	_, err := p.EnsureCredential(ctx)
	require.NoError(t, err)

	stored, ok, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, token, stored.Token)

	// A new process with the same store reuses the credential.
	restarted := NewProvider(Options{Endpoint: server.URL, Store: store, Logger: logging.Discard()})
	got, err := restarted.EnsureCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, token, got.Token)
	assert.Equal(t, int32(1), server.calls.Load())
}

func TestProvider_InvalidateForcesRefresh(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	server := newGuestServer(t, respondToken(signedToken(t, time.Now().Add(time.Hour))))
	p := NewProvider(Options{Endpoint: server.URL, Store: store, Logger: logging.Discard()})

	_, err := p.EnsureCredential(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Invalidate(ctx))

	_, ok, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.EnsureCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), server.calls.Load())
}

func TestProvider_CoalescesConcurrentRefreshes(t *testing.T) {
	release := make(chan struct{})
	token := signedToken(t, time.Now().Add(time.Hour))
	server := newGuestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		respondToken(token)(w, r)
	})
	p := NewProvider(Options{Endpoint: server.URL, Logger: logging.Discard()})

	var wg sync.WaitGroup
	results := make([]Credential, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := p.EnsureCredential(context.Background())
			assert.NoError(t, err)
			results[i] = cred
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, cred := range results {
		assert.Equal(t, token, cred.Token)
	}
	assert.LessOrEqual(t, server.calls.Load(), int32(2))
}

func TestProvider_CancelledWaiterReturnsPromptly(t *testing.T) {
	release := make(chan struct{})
	token := signedToken(t, time.Now().Add(time.Hour))
	server := newGuestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		respondToken(token)(w, r)
	})
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	p := NewProvider(Options{Endpoint: server.URL, Logger: logging.Discard()})

	// The first caller starts the refresh and keeps waiting for it.
	leader := make(chan error, 1)
	go func() {
		_, err := p.EnsureCredential(context.Background())
		leader <- err
	}()
	require.Eventually(t, func() bool { return server.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := p.EnsureCredential(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, bkerrors.IsCode(err, bkerrors.ErrCodeAuthUnavailable))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "a cancelled caller must not wait for the shared refresh")

	// Abandoning the wait does not abort the refresh for the leader.
	unblock()
	select {
	case err := <-leader:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("leader never finished")
	}
	cred, ok := p.Cached()
	require.True(t, ok)
	assert.Equal(t, token, cred.Token)
}

func TestProvider_StaticToken(t *testing.T) {
	server := newGuestServer(t, respondToken("unused"))
	p := NewProvider(Options{Endpoint: server.URL, StaticToken: "operator-token", Logger: logging.Discard()})

	cred, err := p.EnsureCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "operator-token", cred.Token)
	assert.Equal(t, int32(0), server.calls.Load())

	expired := NewProvider(Options{StaticToken: signedToken(t, time.Now().Add(-time.Minute)), Logger: logging.Discard()})
	_, err = expired.EnsureCredential(context.Background())
	require.Error(t, err)
	assert.True(t, bkerrors.IsCode(err, bkerrors.ErrCodeAuthUnavailable))
	assert.False(t, bkerrors.IsRetryable(err))
}

func TestProvider_NoEndpoint(t *testing.T) {
	p := NewProvider(Options{Logger: logging.Discard()})
	_, err := p.EnsureCredential(context.Background())
	require.Error(t, err)
	assert.True(t, bkerrors.IsCode(err, bkerrors.ErrCodeAuthUnavailable))
}
