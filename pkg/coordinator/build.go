package coordinator

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/odvcencio/browserlink/pkg/config"
	"github.com/odvcencio/browserlink/pkg/credential"
	"github.com/odvcencio/browserlink/pkg/paths"
	"github.com/odvcencio/browserlink/pkg/reconnect"
	"github.com/odvcencio/browserlink/pkg/remote"
	"github.com/odvcencio/browserlink/pkg/telemetry"
	"github.com/odvcencio/browserlink/pkg/transport"
)

const tokenRequestTimeout = 10 * time.Second

// Deps are the process-level collaborators NewFromConfig does not build.
type Deps struct {
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// Transport overrides the HTTP round tripper used for the guest-token
	// endpoint and the raw socket upgrade.
	Transport http.RoundTripper
	// SessionID names the session; empty generates one. Callers that tag
	// logs with the id before wiring pass it here.
	SessionID string
}

// NewFromConfig builds the credential provider, both dialers and the racer
// described by cfg.
func NewFromConfig(cfg *config.Config, deps Deps) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	provider, err := NewProvider(cfg, deps)
	if err != nil {
		return nil, err
	}

	c, err := New(Options{
		Credentials:  provider,
		Racer:        NewRacer(cfg, deps),
		Policy:       PolicyFromConfig(cfg),
		AuthRequired: cfg.Auth.Required,
		Session: remote.NewSession(remote.SessionOptions{
			ID:      deps.SessionID,
			Logger:  deps.Logger,
			Metrics: deps.Metrics,
		}),
		Logger:  deps.Logger,
		Metrics: deps.Metrics,
		Closers: []func() error{provider.Close},
	})
	if err != nil {
		_ = provider.Close()
		return nil, err
	}
	return c, nil
}

// NewProvider opens the configured credential store and wraps it in a
// provider for the guest-token endpoint.
func NewProvider(cfg *config.Config, deps Deps) (*credential.Provider, error) {
	storePath := strings.TrimSpace(cfg.Auth.StorePath)
	if storePath == "" {
		storePath = paths.CredentialPath(cfg.Auth.Store)
	} else {
		storePath = paths.ExpandHome(storePath)
	}
	store, err := credential.OpenStore(cfg.Auth.Store, storePath, cfg.Remote.BaseURL)
	if err != nil {
		return nil, err
	}
	return credential.NewProvider(credential.Options{
		Endpoint:          cfg.GuestTokenURL(),
		HTTPClient:        &http.Client{Timeout: tokenRequestTimeout, Transport: roundTripper(cfg, deps)},
		Store:             store,
		StaticToken:       cfg.Auth.StaticToken,
		RefreshMargin:     cfg.Auth.RefreshMargin,
		RequestsPerSecond: cfg.Auth.RequestsPerSecond,
		Logger:            deps.Logger,
		Metrics:           deps.Metrics,
	}), nil
}

// NewRacer builds the raw-first, multiplexed-fallback race.
func NewRacer(cfg *config.Config, deps Deps) *transport.Racer {
	socketURL, socketAlt := cfg.SocketURLs()
	return &transport.Racer{
		Primary: &transport.RawDialer{
			URL: cfg.ControlURL(),
			// The upgrade is bounded by the race context, not a client timeout.
			HTTPClient:   &http.Client{Transport: roundTripper(cfg, deps)},
			PingInterval: cfg.Transport.PingInterval,
			ReadLimit:    cfg.Transport.ReadLimit,
			SendQueue:    cfg.Transport.SendQueue,
			Logger:       deps.Logger,
		},
		Fallback: &transport.SocketIODialer{
			URL:       socketURL,
			AltURL:    socketAlt,
			AltDelay:  cfg.Transport.AlternatePathDelay,
			TLSConfig: tlsConfig(cfg),
			ReadLimit: cfg.Transport.ReadLimit,
			SendQueue: cfg.Transport.SendQueue,
			Logger:    deps.Logger,
		},
		PreferenceDelay: cfg.Transport.PreferenceDelay,
		ConnectTimeout:  cfg.Transport.ConnectTimeout,
		Logger:          deps.Logger,
		Metrics:         deps.Metrics,
	}
}

func PolicyFromConfig(cfg *config.Config) reconnect.Policy {
	return reconnect.Policy{
		Base:   cfg.Reconnect.BaseDelay,
		Max:    cfg.Reconnect.MaxDelay,
		Jitter: cfg.Reconnect.Jitter,
	}
}

func tlsConfig(cfg *config.Config) *tls.Config {
	if !cfg.Remote.InsecureSkipVerify {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed dev hosts
}

func roundTripper(cfg *config.Config, deps Deps) http.RoundTripper {
	if deps.Transport != nil {
		return deps.Transport
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tlsConfig(cfg)
	return tr
}
