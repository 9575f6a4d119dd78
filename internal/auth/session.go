// Package auth provides the bearer credential consumed by the backend client
// and the per-task transports.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/antoniostano/posegen/internal/logging"
	"github.com/antoniostano/posegen/internal/policy"
)

var ErrRefreshFailed = errors.New("credential refresh failed")

// Credentials hands out the current bearer token and refreshes it on demand.
type Credentials interface {
	AccessToken() string
	NeedsRefresh(skew time.Duration) bool
	Refresh(ctx context.Context) error
}

// Session holds an access/refresh token pair. Tokens that are not JWTs are
// treated as non-expiring.
type Session struct {
	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	refreshURL   string
	httpClient   *http.Client
	logger       *slog.Logger
	now          func() time.Time

	refreshMu sync.Mutex
}

type SessionConfig struct {
	AccessToken  string
	RefreshToken string
	RefreshURL   string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func NewSession(cfg SessionConfig) *Session {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Session{
		accessToken:  strings.TrimSpace(cfg.AccessToken),
		refreshToken: strings.TrimSpace(cfg.RefreshToken),
		refreshURL:   strings.TrimSpace(cfg.RefreshURL),
		httpClient:   client,
		logger:       logging.Or(cfg.Logger).With("component", "auth"),
		now:          time.Now,
	}
}

func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// NeedsRefresh reports whether the access token expires within skew.
func (s *Session) NeedsRefresh(skew time.Duration) bool {
	exp, ok := Expiry(s.AccessToken())
	if !ok {
		return false
	}
	return !s.now().Add(skew).Before(exp)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Refresh exchanges the refresh token for a new access token. Concurrent
// callers share one exchange.
func (s *Session) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	if exp, ok := Expiry(s.AccessToken()); ok && exp.After(s.now().Add(time.Minute)) {
		return nil
	}

	s.mu.RLock()
	refreshToken, refreshURL := s.refreshToken, s.refreshURL
	s.mu.RUnlock()
	if refreshURL == "" || refreshToken == "" {
		return fmt.Errorf("%w: no refresh credential configured", ErrRefreshFailed)
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRefreshFailed, policy.Redact(err.Error()))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: status %d: %s", ErrRefreshFailed, resp.StatusCode, policy.Redact(strings.TrimSpace(string(b))))
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRefreshFailed, err)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return fmt.Errorf("%w: empty access token", ErrRefreshFailed)
	}

	s.mu.Lock()
	s.accessToken = strings.TrimSpace(out.AccessToken)
	if rt := strings.TrimSpace(out.RefreshToken); rt != "" {
		s.refreshToken = rt
	}
	s.mu.Unlock()
	s.logger.Debug("access token refreshed")
	return nil
}

// Expiry reads the exp claim without verifying the signature. The backend
// verifies tokens; this side only needs to know when to refresh.
func Expiry(token string) (time.Time, bool) {
	claims, ok := parseClaims(token)
	if !ok || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Subject returns the sub claim, used as the registry owner id.
func Subject(token string) string {
	claims, ok := parseClaims(token)
	if !ok {
		return ""
	}
	return claims.Subject
}

func parseClaims(token string) (*jwt.RegisteredClaims, bool) {
	token = strings.TrimSpace(token)
	if token == "" || strings.Count(token, ".") != 2 {
		return nil, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// Static is a fixed credential that never needs a refresh.
type Static string

func (s Static) AccessToken() string { return string(s) }

func (Static) NeedsRefresh(time.Duration) bool { return false }

func (Static) Refresh(context.Context) error { return nil }
