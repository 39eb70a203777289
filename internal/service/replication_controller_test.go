package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"campo-sync/internal/domain"
	"campo-sync/internal/logging"
	"campo-sync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type remoteFactory struct {
	mu      sync.Mutex
	creds   []*domain.Credentials
	remotes []*fakeRemote

	// addressHasCreds mimics a REMOTE_URL carrying userinfo.
	addressHasCreds bool
}

func (f *remoteFactory) build(creds *domain.Credentials) (repository.RemoteRepository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if creds == nil && !f.addressHasCreds {
		return nil, fmt.Errorf("%w: no credentials", domain.ErrUnauthorized)
	}
	f.creds = append(f.creds, creds)
	r := newFakeRemote()
	f.remotes = append(f.remotes, r)
	return r, nil
}

func TestReplicationController_FollowsSession(t *testing.T) {
	f := newReplicationFixture(t, 10)
	factory := &remoteFactory{}
	controller := NewReplicationController(f.engine, factory.build, logging.Nop())

	idp := &fakeIdentity{name: "alice", secret: "s3cret"}
	sessions := NewSessionService(idp, time.Minute, "test-secret", time.Hour, logging.Nop())
	sessions.AddListener(controller)
	ctx := context.Background()

	assert.ErrorIs(t, controller.Start(ctx), domain.ErrUnauthorized)
	assert.False(t, f.engine.Running())

	_, err := sessions.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)
	require.True(t, f.engine.Running())
	require.Len(t, factory.creds, 1)
	assert.Equal(t, "alice", factory.creds[0].Name)

	require.Eventually(t, func() bool {
		return controller.Status().State == domain.ReplicationStreaming
	}, 2*time.Second, 5*time.Millisecond)

	// already running
	require.NoError(t, controller.Start(ctx))
	assert.Len(t, factory.remotes, 1)

	require.NoError(t, sessions.Logout(ctx))
	assert.False(t, f.engine.Running())
	assert.Equal(t, domain.ReplicationIdle, controller.Status().State)
	assert.True(t, factory.remotes[0].closed)
}

func TestReplicationController_LogoutKeepsAddressCredentialReplication(t *testing.T) {
	f := newReplicationFixture(t, 10)
	factory := &remoteFactory{addressHasCreds: true}
	controller := NewReplicationController(f.engine, factory.build, logging.Nop())

	idp := &fakeIdentity{name: "alice", secret: "s3cret"}
	sessions := NewSessionService(idp, time.Minute, "test-secret", time.Hour, logging.Nop())
	sessions.AddListener(controller)
	ctx := context.Background()

	require.NoError(t, controller.Start(ctx))
	require.True(t, f.engine.Running())
	require.Len(t, factory.creds, 1)
	assert.Nil(t, factory.creds[0])

	require.NoError(t, sessions.Logout(ctx))
	assert.True(t, f.engine.Running())
	assert.False(t, factory.remotes[0].closed)

	require.NoError(t, controller.Stop(ctx))
	assert.False(t, f.engine.Running())
	assert.True(t, factory.remotes[0].closed)
}

func TestReplicationController_Disabled(t *testing.T) {
	f := newReplicationFixture(t, 10)
	controller := NewReplicationController(f.engine, nil, logging.Nop())

	assert.ErrorIs(t, controller.Start(context.Background()), domain.ErrInvalidRemote)
	require.NoError(t, controller.Stop(context.Background()))
}
