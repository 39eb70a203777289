package service

import (
	"context"
	"fmt"
	"sync"

	"campo-sync/internal/domain"
	"campo-sync/internal/logging"
	"campo-sync/internal/repository"
)

// RemoteFactory builds a remote for the given credentials. Nil credentials
// mean whatever the configured address carries.
type RemoteFactory func(creds *domain.Credentials) (repository.RemoteRepository, error)

// ReplicationController ties the replication engine to the session lifecycle.
type ReplicationController struct {
	engine    *ReplicationService
	newRemote RemoteFactory
	log       logging.Logger

	mu     sync.Mutex
	remote repository.RemoteRepository
	creds  *domain.Credentials
}

// NewReplicationController accepts a nil factory when no remote is configured;
// the local store keeps working and Start reports the remote as invalid.
func NewReplicationController(engine *ReplicationService, newRemote RemoteFactory, log logging.Logger) *ReplicationController {
	return &ReplicationController{
		engine:    engine,
		newRemote: newRemote,
		log:       log.With("component", "replication-controller"),
	}
}

func (c *ReplicationController) SessionStarted(ctx context.Context, session *domain.Session, creds domain.Credentials) {
	c.mu.Lock()
	c.creds = &creds
	c.mu.Unlock()

	if err := c.restart(ctx); err != nil {
		c.log.Error(ctx, "replication did not start", "name", session.Name, "error", err)
	}
}

// SessionEnded stops replication only when it runs on the session's
// credentials; replication authenticated by the remote address keeps going.
func (c *ReplicationController) SessionEnded(ctx context.Context) {
	c.mu.Lock()
	hadCreds := c.creds != nil
	c.creds = nil
	c.mu.Unlock()

	if !hadCreds {
		return
	}
	if err := c.Stop(ctx); err != nil {
		c.log.Error(ctx, "replication did not stop", "error", err)
	}
}

// Start (re)starts replication with the current session's credentials, or the
// credentials embedded in the remote address when there is no session.
func (c *ReplicationController) Start(ctx context.Context) error {
	if c.engine.Running() {
		return nil
	}
	return c.restart(ctx)
}

func (c *ReplicationController) Stop(ctx context.Context) error {
	if err := c.engine.Stop(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	remote := c.remote
	c.remote = nil
	c.mu.Unlock()

	if remote != nil {
		if err := remote.Close(); err != nil {
			c.log.Warn(ctx, "closing remote failed", "error", err)
		}
	}
	return nil
}

func (c *ReplicationController) Status() domain.ReplicationStatus {
	return c.engine.Status()
}

func (c *ReplicationController) restart(ctx context.Context) error {
	if c.newRemote == nil {
		return fmt.Errorf("%w: replication is disabled", domain.ErrInvalidRemote)
	}
	if err := c.Stop(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()

	remote, err := c.newRemote(creds)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.remote = remote
	c.mu.Unlock()

	return c.engine.Start(ctx, remote)
}
