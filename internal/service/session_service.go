package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"campo-sync/internal/domain"
	"campo-sync/internal/logging"
	"campo-sync/internal/repository"
	"campo-sync/pkg/jwt"
)

// SessionListener is told when a remote session begins or ends. Credentials
// handed to SessionStarted must stay in memory.
type SessionListener interface {
	SessionStarted(ctx context.Context, session *domain.Session, creds domain.Credentials)
	SessionEnded(ctx context.Context)
}

type SessionService struct {
	idp           repository.IdentityProvider
	ttl           time.Duration
	jwtSecret     string
	jwtExpiration time.Duration
	log           logging.Logger
	now           func() time.Time

	mu        sync.Mutex
	session   *domain.Session
	validated bool
	listeners []SessionListener
}

// NewSessionService accepts a nil provider when no remote is configured.
// Logins then only need a name and yield an offline session.
func NewSessionService(idp repository.IdentityProvider, ttl time.Duration, jwtSecret string, jwtExp time.Duration, log logging.Logger) *SessionService {
	return &SessionService{
		idp:           idp,
		ttl:           ttl,
		jwtSecret:     jwtSecret,
		jwtExpiration: jwtExp,
		log:           log.With("component", "session"),
		now:           time.Now,
	}
}

func (s *SessionService) AddListener(l SessionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *SessionService) Login(ctx context.Context, name, secret string) (*domain.Session, error) {
	if s.idp == nil {
		return s.localLogin(ctx, name)
	}
	if name == "" || secret == "" {
		return nil, fmt.Errorf("%w: name and secret are required", domain.ErrUnauthorized)
	}

	session, err := s.idp.Authenticate(ctx, name, secret)
	if err != nil {
		s.log.Warn(ctx, "login failed", "name", name, "error", err)
		return nil, err
	}
	session.ValidUntil = s.now().Add(s.ttl)

	s.mu.Lock()
	s.session = session
	s.validated = true
	listeners := append([]SessionListener(nil), s.listeners...)
	s.mu.Unlock()

	s.log.Info(ctx, "session established", "name", session.Name, "roles", session.Roles)
	creds := domain.Credentials{Name: name, Secret: secret}
	for _, l := range listeners {
		l.SessionStarted(ctx, copySession(session), creds)
	}
	return copySession(session), nil
}

// localLogin signs in without a remote. Listeners are not told, since there is
// nothing to replicate to.
func (s *SessionService) localLogin(ctx context.Context, name string) (*domain.Session, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrUnauthorized)
	}
	session := &domain.Session{
		Name:       name,
		Roles:      []string{},
		Offline:    true,
		ValidUntil: s.now().Add(s.ttl),
	}

	s.mu.Lock()
	s.session = session
	s.validated = true
	s.mu.Unlock()

	s.log.Info(ctx, "offline session established", "name", name)
	return copySession(session), nil
}

// CurrentSession answers from memory once a session is known. The remote is
// asked at most once per process; when it cannot be reached the caller gets
// no session and no error.
func (s *SessionService) CurrentSession(ctx context.Context) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.session != nil {
		if s.session.Expired(now) {
			return nil, nil
		}
		s.session.ValidUntil = now.Add(s.ttl)
		return copySession(s.session), nil
	}
	if s.validated || s.idp == nil {
		return nil, nil
	}

	s.validated = true
	session, err := s.idp.Validate(ctx)
	switch {
	case err == nil:
		session.ValidUntil = now.Add(s.ttl)
		s.session = session
		return copySession(session), nil
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrUnavailable):
		s.log.Debug(ctx, "no remote session", "error", err)
		return nil, nil
	default:
		return nil, err
	}
}

// Logout always forgets the local session. A failure to end it remotely is
// only logged.
func (s *SessionService) Logout(ctx context.Context) error {
	s.mu.Lock()
	prev := s.session
	s.session = nil
	listeners := append([]SessionListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.SessionEnded(ctx)
	}

	if s.idp != nil {
		if err := s.idp.End(ctx); err != nil {
			s.log.Warn(ctx, "remote logout failed", "error", err)
		}
	}
	if prev != nil {
		s.log.Info(ctx, "session ended", "name", prev.Name)
	}
	return nil
}

// IssueToken signs a local API token for session so the UI keeps working
// while the remote is out of reach.
func (s *SessionService) IssueToken(session *domain.Session) (*domain.LoginResponse, error) {
	token, err := jwt.GenerateToken(session.Name, session.Roles, s.jwtExpiration, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	return &domain.LoginResponse{
		Session:     session,
		AccessToken: token,
		ExpiresIn:   int64(s.jwtExpiration.Seconds()),
	}, nil
}

func copySession(s *domain.Session) *domain.Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Roles = append([]string{}, s.Roles...)
	return &c
}
