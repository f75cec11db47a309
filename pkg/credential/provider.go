package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
	"github.com/odvcencio/browserlink/pkg/logging"
	"github.com/odvcencio/browserlink/pkg/telemetry"
)

// Sources reported in logs, spans and metrics.
const (
	SourceCache  = "cache"
	SourceStore  = "store"
	SourceRemote = "remote"
	SourceStatic = "static"
)

// refreshTimeout bounds one shared refresh, including throttling.
const refreshTimeout = 30 * time.Second

// Options configures a Provider.
type Options struct {
	// Endpoint is the guest-token URL. Requests are POSTed with an empty JSON body.
	Endpoint   string
	HTTPClient *http.Client
	// Store persists refreshed credentials. Defaults to a MemoryStore.
	Store Store
	// StaticToken, when set, is returned without contacting Endpoint.
	StaticToken string
	// RefreshMargin treats credentials expiring within the margin as expired.
	RefreshMargin time.Duration
	// RequestsPerSecond throttles Endpoint. Zero disables throttling.
	RequestsPerSecond float64
	Logger            *slog.Logger
	Metrics           *telemetry.Metrics
	Now               func() time.Time
}

// Provider hands out credentials, refreshing them from the guest-token
// endpoint when the cached one has expired. Safe for concurrent use.
type Provider struct {
	endpoint string
	client   *http.Client
	store    Store
	static   string
	margin   time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time

	cached atomic.Pointer[Credential]
	group  singleflight.Group
}

type guestTokenResponse struct {
	OK      bool   `json:"ok"`
	Token   string `json:"token"`
	Message string `json:"message,omitempty"`
}

func NewProvider(opts Options) *Provider {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Provider{
		endpoint: strings.TrimSpace(opts.Endpoint),
		client:   client,
		store:    store,
		static:   strings.TrimSpace(opts.StaticToken),
		margin:   opts.RefreshMargin,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logging.OrDefault(opts.Logger),
		metrics:  opts.Metrics,
		now:      now,
	}
}

// EnsureCredential returns a credential that has not expired. The cached
// value is returned without any I/O while it stays valid; otherwise the store
// and then the guest-token endpoint are consulted. Concurrent callers share
// one refresh.
func (p *Provider) EnsureCredential(ctx context.Context) (Credential, error) {
	if cred, ok := p.fromCache(); ok {
		p.metrics.CredentialResolved(SourceCache, nil)
		return cred, nil
	}
	// The shared refresh runs detached from any one caller so a cancelled
	// caller neither waits on it nor aborts it for the others.
	ch := p.group.DoChan("refresh", func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return p.resolve(refreshCtx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, bkerrors.Wrap(ctx.Err(), bkerrors.ErrCodeAuthUnavailable, "credential refresh abandoned")
	}
}

// Cached returns the in-memory credential, if any, without validating it.
func (p *Provider) Cached() (Credential, bool) {
	c := p.cached.Load()
	if c == nil {
		return Credential{}, false
	}
	return *c, true
}

// Invalidate discards the cached and stored credential so the next
// EnsureCredential mints a new one.
func (p *Provider) Invalidate(ctx context.Context) error {
	p.cached.Store(nil)
	if err := p.store.Clear(ctx); err != nil {
		p.logger.Warn("failed to clear stored credential", "error", err)
		return err
	}
	return nil
}

// Close releases the underlying store.
func (p *Provider) Close() error {
	return p.store.Close()
}

func (p *Provider) fromCache() (Credential, bool) {
	c := p.cached.Load()
	if c == nil || !c.ValidFor(p.now(), p.margin) {
		return Credential{}, false
	}
	return *c, true
}

func (p *Provider) resolve(ctx context.Context) (cred Credential, err error) {
	// Another caller may have refreshed while this one waited on the group.
	if cred, ok := p.fromCache(); ok {
		return cred, nil
	}

	if p.static != "" {
		cred = Decode(p.static)
		if cred.Expired(p.now()) {
			err = bkerrors.New(bkerrors.ErrCodeAuthUnavailable, "static token has expired").
				WithContext("expires_at", cred.ExpiresAt.Format(time.RFC3339)).
				WithRetryable(false).
				WithRemediation("replace auth.static_token or unset BROWSERLINK_TOKEN")
			p.metrics.CredentialResolved(SourceStatic, err)
			return Credential{}, err
		}
		p.cached.Store(&cred)
		p.metrics.CredentialResolved(SourceStatic, nil)
		return cred, nil
	}

	if stored, ok, loadErr := p.store.Load(ctx); loadErr != nil {
		p.logger.Warn("failed to load stored credential", "error", loadErr)
	} else if ok && stored.ValidFor(p.now(), p.margin) {
		p.cached.Store(&stored)
		p.metrics.CredentialResolved(SourceStore, nil)
		p.logger.Debug("reusing stored credential", "expires_at", stored.ExpiresAt)
		return stored, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "credential.refresh", telemetry.AttrCredentialSrc.String(SourceRemote))
	defer func() { telemetry.EndSpan(span, err) }()

	cred, err = p.fetch(ctx)
	p.metrics.CredentialResolved(SourceRemote, err)
	if err != nil {
		return Credential{}, err
	}
	p.cached.Store(&cred)
	if saveErr := p.store.Save(ctx, cred); saveErr != nil {
		p.logger.Warn("failed to persist credential", "error", saveErr)
	}
	p.logger.Info("credential refreshed", "expires_at", cred.ExpiresAt, "token", cred.Redacted())
	return cred, nil
}

func (p *Provider) fetch(ctx context.Context) (Credential, error) {
	if p.endpoint == "" {
		return Credential{}, bkerrors.New(bkerrors.ErrCodeAuthUnavailable, "no guest token endpoint configured")
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return Credential{}, bkerrors.Wrap(err, bkerrors.ErrCodeAuthUnavailable, "guest token request throttled")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Credential{}, bkerrors.Wrap(err, bkerrors.ErrCodeAuthUnavailable, "build guest token request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Credential{}, bkerrors.Wrap(err, bkerrors.ErrCodeAuthUnavailable, "guest token request failed").
			WithContext("endpoint", p.endpoint)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Credential{}, bkerrors.Wrap(err, bkerrors.ErrCodeAuthUnavailable, "read guest token response")
	}
	if resp.StatusCode != http.StatusOK {
		return Credential{}, bkerrors.New(bkerrors.ErrCodeAuthUnavailable, fmt.Sprintf("guest token endpoint returned %s", resp.Status)).
			WithContext("endpoint", p.endpoint)
	}

	var payload guestTokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return Credential{}, bkerrors.Wrap(err, bkerrors.ErrCodeAuthUnavailable, "decode guest token response")
	}
	if !payload.OK || strings.TrimSpace(payload.Token) == "" {
		msg := "guest token endpoint declined"
		if payload.Message != "" {
			msg += ": " + payload.Message
		}
		return Credential{}, bkerrors.New(bkerrors.ErrCodeAuthUnavailable, msg)
	}

	cred := Decode(payload.Token)
	if cred.Expired(p.now()) {
		return Credential{}, bkerrors.New(bkerrors.ErrCodeAuthUnavailable, "guest token endpoint issued an expired token").
			WithContext("expires_at", cred.ExpiresAt.Format(time.RFC3339))
	}
	return cred, nil
}

// OpenStore constructs the store named by kind ("file", "sqlite" or "memory").
func OpenStore(kind, path, key string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "file":
		return NewFileStore(path, key), nil
	case "sqlite":
		return NewSQLiteStore(path, key)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, bkerrors.New(bkerrors.ErrCodeInvalidInput, fmt.Sprintf("unknown credential store %q", kind))
	}
}
