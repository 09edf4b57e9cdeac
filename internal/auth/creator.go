package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/steef435/riotx-sdk/internal/matrix"
	"github.com/steef435/riotx-sdk/internal/models"
)

// Authenticator is the part of the Matrix client used to sign in.
type Authenticator interface {
	Login(ctx context.Context, req matrix.LoginRequest) (*models.Credentials, error)
	WellKnown(ctx context.Context) (*models.WellKnown, error)
}

// SessionCreator signs a user in and persists the resulting params.
type SessionCreator struct {
	params *ParamsStore
	client func(baseURL string) Authenticator
	logger *slog.Logger
}

// NewSessionCreator returns a creator that talks to homeservers through
// httpClient (nil means a default client).
func NewSessionCreator(params *ParamsStore, httpClient *http.Client, logger *slog.Logger) *SessionCreator {
	if logger == nil {
		logger = slog.Default()
	}

	return &SessionCreator{
		params: params,
		client: func(baseURL string) Authenticator {
			return matrix.NewClient(baseURL, httpClient)
		},
		logger: logger,
	}
}

// LoginWithPassword signs in on hs and saves the new session's params.
// A discovery document, either attached to the login response or served
// at /.well-known, overrides the configured homeserver and identity
// server URLs.
func (c *SessionCreator) LoginWithPassword(ctx context.Context, hs models.HomeServerConfig, req matrix.LoginRequest) (models.SessionParams, error) {
	client := c.client(hs.HomeServerURL)

	creds, err := client.Login(ctx, req)
	if err != nil {
		return models.SessionParams{}, err
	}

	if creds.WellKnown == nil {
		wk, err := client.WellKnown(ctx)
		if err != nil {
			c.logger.Debug("no well-known discovery", slog.String("error", err.Error()))
		} else {
			creds.WellKnown = wk
		}
	}

	return c.CreateSession(*creds, hs)
}

// CreateSession applies the credentials' discovery overrides to hs and
// persists the result.
func (c *SessionCreator) CreateSession(creds models.Credentials, hs models.HomeServerConfig) (models.SessionParams, error) {
	if wk := creds.WellKnown; wk != nil {
		if u := discoveredURL(wk.HomeServer); u != "" {
			hs.HomeServerURL = u
		}

		if u := discoveredURL(wk.IdentityServer); u != "" {
			hs.IdentityServerURL = u
		}
	}

	p := models.SessionParams{Credentials: creds, HomeServer: hs}

	if err := c.params.Save(p); err != nil {
		return models.SessionParams{}, fmt.Errorf("saving session params: %w", err)
	}

	c.logger.Info("session created",
		slog.String("user_id", creds.UserID),
		slog.String("device_id", creds.DeviceID),
		slog.String("homeserver", hs.HomeServerURL),
	)

	return p, nil
}

// Restore returns the last saved session's params, or nil if nobody has
// signed in.
func (c *SessionCreator) Restore() (*models.SessionParams, error) {
	return c.params.GetLast()
}

func discoveredURL(s *models.WellKnownServer) string {
	if s == nil {
		return ""
	}

	u := strings.TrimSpace(s.BaseURL)
	if u == "" {
		return ""
	}

	return strings.TrimRight(u, "/")
}
