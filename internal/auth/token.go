// ABOUTME: Short-lived access token source backed by the session-cookie refresh endpoint
// ABOUTME: Caches the JWT until shortly before expiry and collapses concurrent refreshes

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/2389/delivery-sync/internal/api"
)

// ErrSessionLost means the refresh endpoint refused the session cookie.
// The user must sign in again; retrying will not help.
var ErrSessionLost = errors.New("session lost")

// Token timing
const (
	// DefaultLifetime is assumed when the token carries no exp claim
	DefaultLifetime = 15 * time.Minute
	// RefreshMargin is the minimum remaining validity for a cached token to be reused
	RefreshMargin = 60 * time.Second
)

// TokenConfig configures a TokenSource
type TokenConfig struct {
	BaseURL string
	// Session is the web session cookie sent to the refresh endpoint; nil sends none
	Session *http.Cookie
	// Client supplies the transport and timeout; its Jar is replaced
	Client *http.Client
	Now    func() time.Time
	Logger *slog.Logger
}

// TokenSource hands out bearer tokens for the backend
type TokenSource struct {
	refreshURL string
	client     *http.Client
	now        func() time.Time
	logger     *slog.Logger
	group      singleflight.Group

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource creates a token source for the backend at cfg.BaseURL
func NewTokenSource(cfg TokenConfig) (*TokenSource, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	if cfg.Session != nil && cfg.Session.Name != "" {
		cookie := *cfg.Session
		if cookie.Path == "" {
			cookie.Path = "/"
		}
		jar.SetCookies(base, []*http.Cookie{&cookie})
	}

	client := &http.Client{Timeout: 30 * time.Second}
	if cfg.Client != nil {
		c := *cfg.Client
		client = &c
	}
	client.Jar = jar

	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &TokenSource{
		refreshURL: base.String() + api.TokenRefreshPath,
		client:     client,
		now:        cfg.Now,
		logger:     cfg.Logger.With("component", "token"),
	}, nil
}

// Token returns the cached token while it has more than RefreshMargin of
// validity left, and refreshes it otherwise. Concurrent callers share one
// refresh request.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && s.expires.Sub(s.now()) > RefreshMargin {
		tok := s.token
		s.mu.Unlock()
		return tok, nil
	}
	s.mu.Unlock()

	// the shared refresh outlives any one caller, who still stops waiting on its own ctx
	ch := s.group.DoChan("refresh", func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token. The next Token call refreshes.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()
}

func (s *TokenSource) refresh(ctx context.Context) (string, error) {
	const op = "refresh token"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.refreshURL, nil)
	if err != nil {
		return "", &api.TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &api.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		s.Invalidate()
		s.logger.Warn("token refresh refused, session lost")
		return "", ErrSessionLost
	}
	if err := api.CheckResponse(op, resp); err != nil {
		return "", err
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &api.TransportError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if body.Token == "" {
		return "", &api.TransportError{Op: op, Err: fmt.Errorf("response has no token")}
	}

	expires := s.expiry(body.Token)

	s.mu.Lock()
	s.token = body.Token
	s.expires = expires
	s.mu.Unlock()

	s.logger.Debug("token refreshed", "expires_at", expires)
	return body.Token, nil
}

// expiry reads the exp claim without verifying the signature; the backend
// verifies, this side only needs to know when to refresh.
func (s *TokenSource) expiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return s.now().Add(DefaultLifetime)
}
