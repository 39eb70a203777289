package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"campo-sync/internal/domain"
)

// IdentityProvider authenticates principals against the remote service.
type IdentityProvider interface {
	Authenticate(ctx context.Context, name, secret string) (*domain.Session, error)
	// Validate checks the session established by Authenticate.
	Validate(ctx context.Context) (*domain.Session, error)
	End(ctx context.Context) error
}

// CouchSessionRepository talks to CouchDB's /_session endpoint and keeps the
// AuthSession cookie in an in-memory jar.
type CouchSessionRepository struct {
	sessionURL string
	client     *http.Client
}

func NewCouchSessionRepository(baseURL string, timeout time.Duration) (*CouchSessionRepository, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: remote url %q", domain.ErrInvalidRemote, RedactURL(baseURL))
	}
	u.User = nil
	u.Path = strings.TrimRight(u.Path, "/") + "/_session"

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &CouchSessionRepository{
		sessionURL: u.String(),
		client:     &http.Client{Timeout: timeout, Jar: jar},
	}, nil
}

type sessionResponse struct {
	OK      bool     `json:"ok"`
	Name    *string  `json:"name"`
	Roles   []string `json:"roles"`
	UserCtx *struct {
		Name  *string  `json:"name"`
		Roles []string `json:"roles"`
	} `json:"userCtx"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func (r *CouchSessionRepository) Authenticate(ctx context.Context, name, secret string) (*domain.Session, error) {
	body, err := json.Marshal(map[string]string{"name": name, "password": secret})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.sessionURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var out sessionResponse
	if err := r.do(req, &out); err != nil {
		return nil, err
	}

	session := &domain.Session{Name: name, Roles: out.Roles}
	if out.Name != nil && *out.Name != "" {
		session.Name = *out.Name
	}
	if session.Roles == nil {
		session.Roles = []string{}
	}
	return session, nil
}

func (r *CouchSessionRepository) Validate(ctx context.Context) (*domain.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.sessionURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	var out sessionResponse
	if err := r.do(req, &out); err != nil {
		return nil, err
	}
	if out.UserCtx == nil || out.UserCtx.Name == nil || *out.UserCtx.Name == "" {
		return nil, fmt.Errorf("%w: session is no longer valid", domain.ErrUnauthorized)
	}

	roles := out.UserCtx.Roles
	if roles == nil {
		roles = []string{}
	}
	return &domain.Session{Name: *out.UserCtx.Name, Roles: roles}, nil
}

func (r *CouchSessionRepository) End(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.sessionURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	return r.do(req, nil)
}

func (r *CouchSessionRepository) do(req *http.Request, out *sessionResponse) error {
	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s /_session: %v", domain.ErrUnavailable, req.Method, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, readReason(resp.Body))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: /_session status %d", domain.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: /_session status %d: %s", domain.ErrInvalidRemote, resp.StatusCode, readReason(resp.Body))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode /_session response: %v", domain.ErrUnavailable, err)
	}
	return nil
}

func readReason(body io.Reader) string {
	var out sessionResponse
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&out); err != nil || out.Reason == "" {
		return "invalid credentials"
	}
	return out.Reason
}
