package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"campo-sync/internal/domain"
	"campo-sync/internal/logging"
	"campo-sync/internal/repository"

	"github.com/sethvargo/go-retry"
)

type ReplicationOptions struct {
	// LocalPath takes part in the replication id, together with the remote.
	LocalPath      string
	BatchSize      int
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type leg string

const (
	pushLeg leg = "push"
	pullLeg leg = "pull"
)

// ReplicationService keeps the local store and one remote database in step
// with two independent legs. Each leg moves bounded batches and persists its
// checkpoint only after a batch was fully applied, so delivery is
// at-least-once and a restart resumes where the last batch ended.
type ReplicationService struct {
	docs        repository.DocumentRepository
	checkpoints repository.CheckpointRepository
	conflicts   repository.ConflictRepository
	events      EventPublisher
	opts        ReplicationOptions
	log         logging.Logger
	now         func() time.Time

	mu            sync.RWMutex
	status        domain.ReplicationStatus
	running       bool
	replicationID string
	cancel        context.CancelFunc
	done          chan struct{}
	subs          map[int]chan domain.ReplicationStatus
	nextSub       int

	wake chan struct{}
}

func NewReplicationService(
	docs repository.DocumentRepository,
	checkpoints repository.CheckpointRepository,
	conflicts repository.ConflictRepository,
	events EventPublisher,
	opts ReplicationOptions,
	log logging.Logger,
) *ReplicationService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}

	return &ReplicationService{
		docs:        docs,
		checkpoints: checkpoints,
		conflicts:   conflicts,
		events:      events,
		opts:        opts,
		log:         log.With("component", "replication"),
		now:         time.Now,
		status: domain.ReplicationStatus{
			State: domain.ReplicationIdle,
			Push:  domain.LegStatus{State: domain.ReplicationIdle},
			Pull:  domain.LegStatus{State: domain.ReplicationIdle},
		},
		subs: make(map[int]chan domain.ReplicationStatus),
		wake: make(chan struct{}, 1),
	}
}

// ReplicationID derives the checkpoint key for a local store and remote pair.
func ReplicationID(localPath, remoteAddress string) string {
	sum := sha1.Sum([]byte(localPath + "\x00" + remoteAddress))
	return hex.EncodeToString(sum[:])
}

// Start begins continuous replication against remote. Starting a running
// engine is a no-op.
func (s *ReplicationService) Start(ctx context.Context, remote repository.RemoteRepository) error {
	if remote == nil {
		return fmt.Errorf("%w: no remote configured", domain.ErrInvalidRemote)
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	now := s.now().UTC()
	s.running = true
	s.replicationID = ReplicationID(s.opts.LocalPath, remote.Address())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status = domain.ReplicationStatus{
		State:     domain.ReplicationConnecting,
		Remote:    remote.Address(),
		StartedAt: &now,
		Push:      domain.LegStatus{State: domain.ReplicationConnecting},
		Pull:      domain.LegStatus{State: domain.ReplicationConnecting},
	}
	if cp, err := s.checkpoints.Get(ctx, s.replicationID); err == nil {
		s.status.PushedUntil = cp.PushSeq
		s.status.PulledUntil = cp.PullSeq
	}
	if n, err := s.conflicts.Count(ctx); err == nil {
		s.status.Conflicts = n
	}
	done := s.done
	s.mu.Unlock()

	s.log.Info(ctx, "replication starting", "remote", remote.Address())
	s.publish()

	go s.run(runCtx, remote, done)
	return nil
}

// Stop halts both legs. Batches in flight complete first, so checkpoints
// never run ahead of applied work.
func (s *ReplicationService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info(ctx, "replication stopped")
	return nil
}

func (s *ReplicationService) Status() domain.ReplicationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *ReplicationService) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Subscribe delivers every status transition until the returned cancel func
// is called. Slow subscribers miss intermediate states.
func (s *ReplicationService) Subscribe() (<-chan domain.ReplicationStatus, func()) {
	ch := make(chan domain.ReplicationStatus, 16)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

func (s *ReplicationService) NotifyLocalChange() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *ReplicationService) run(ctx context.Context, remote repository.RemoteRepository, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		if s.status.State != domain.ReplicationErrored {
			s.status.State = domain.ReplicationIdle
			s.status.Push.State = domain.ReplicationIdle
			s.status.Pull.State = domain.ReplicationIdle
		}
		s.mu.Unlock()
		s.publish()
		close(done)
	}()

	if err := s.withRetry(ctx, pullLeg, func(ctx context.Context) (bool, error) {
		return true, remote.EnsureDB(ctx)
	}); err != nil {
		s.terminate(ctx, err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	var wg sync.WaitGroup
	for _, l := range []leg{pushLeg, pullLeg} {
		wg.Add(1)
		go func(l leg) {
			defer wg.Done()
			s.loop(ctx, l, remote)
		}(l)
	}
	wg.Wait()
}

func (s *ReplicationService) loop(ctx context.Context, l leg, remote repository.RemoteRepository) {
	batch := s.pushBatch
	if l == pullLeg {
		batch = s.pullBatch
	}

	for {
		var caughtUp bool
		err := s.withRetry(ctx, l, func(ctx context.Context) (bool, error) {
			var err error
			caughtUp, err = batch(ctx, remote)
			return caughtUp, err
		})
		if err != nil {
			s.terminate(ctx, err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !caughtUp {
			continue
		}

		timer := time.NewTimer(s.opts.PollInterval)
		if l == pushLeg {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// withRetry runs one step with capped exponential backoff. The step itself
// runs on a context detached from stop so it always completes; only the waits
// between attempts are interrupted.
func (s *ReplicationService) withRetry(ctx context.Context, l leg, step func(ctx context.Context) (bool, error)) error {
	b := retry.NewExponential(s.opts.InitialBackoff)
	b = retry.WithCappedDuration(s.opts.MaxBackoff, b)

	attempts := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		_, err := step(context.WithoutCancel(ctx))
		if err == nil {
			s.legState(l, domain.ReplicationStreaming, 0, nil)
			return nil
		}
		if isTransient(err) {
			s.log.Warn(ctx, "replication batch failed, retrying", "leg", string(l), "attempt", attempts, "error", err)
			s.legState(l, domain.ReplicationRetrying, attempts, err)
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func isTransient(err error) bool {
	return errors.Is(err, domain.ErrUnavailable) || errors.Is(err, domain.ErrUnauthorized)
}

func (s *ReplicationService) terminate(ctx context.Context, err error) {
	if err == nil {
		return
	}
	s.log.Error(ctx, "replication halted", "error", err)

	s.mu.Lock()
	s.status.State = domain.ReplicationErrored
	s.status.LastError = err.Error()
	cancel := s.cancel
	s.mu.Unlock()
	s.publish()

	if cancel != nil {
		cancel()
	}
}

// pushBatch sends the next batch of local changes. Changes that arrived from
// the remote only advance the checkpoint.
func (s *ReplicationService) pushBatch(ctx context.Context, remote repository.RemoteRepository) (bool, error) {
	id := s.currentReplicationID()
	cp, err := s.checkpoints.Get(ctx, id)
	if err != nil {
		return false, err
	}

	changes, err := s.docs.ChangesSince(ctx, cp.PushSeq, s.opts.BatchSize)
	if err != nil {
		return false, err
	}
	if len(changes) == 0 {
		s.synced(nil)
		return true, nil
	}

	docs := make([]*domain.Document, 0, len(changes))
	for _, c := range changes {
		if c.Origin == domain.OriginLocal {
			docs = append(docs, c.Document)
		}
	}
	if err := remote.BulkPut(ctx, docs); err != nil {
		return false, err
	}

	last := changes[len(changes)-1].Seq
	if err := s.checkpoints.SavePush(ctx, id, last); err != nil {
		return false, err
	}

	s.log.Debug(ctx, "batch pushed", "docs", len(docs), "seq", last)
	s.synced(func(st *domain.ReplicationStatus) {
		st.PushedDocs += int64(len(docs))
		st.PushedUntil = last
	})
	return len(changes) < s.opts.BatchSize, nil
}

// pullBatch applies the next page of the remote change feed.
func (s *ReplicationService) pullBatch(ctx context.Context, remote repository.RemoteRepository) (bool, error) {
	id := s.currentReplicationID()
	cp, err := s.checkpoints.Get(ctx, id)
	if err != nil {
		return false, err
	}

	page, err := remote.Changes(ctx, cp.PullSeq, s.opts.BatchSize)
	if err != nil {
		return false, err
	}

	for _, rej := range page.Rejected {
		s.log.Warn(ctx, "skipping undecodable remote document", "id", rej.ID, "rev", rej.Rev, "error", rej.Reason)
	}

	var applied, conflicted int64
	for _, change := range page.Revisions {
		rr, err := s.lineage(ctx, remote, change)
		if err != nil {
			return false, err
		}

		outcome, err := s.docs.ApplyRemote(ctx, rr)
		if err != nil {
			return false, err
		}

		switch outcome {
		case domain.ApplyInserted, domain.ApplyFastForwarded:
			applied++
			if s.events != nil {
				s.events.PublishChange(changeEvent(rr.Document, domain.OriginRemote))
			}
		case domain.ApplyConflicted:
			conflicted++
			s.log.Warn(ctx, "conflicting revision recorded", "id", rr.Document.ID, "rev", rr.Document.Revision)
		}
	}

	if page.LastSeq == cp.PullSeq {
		s.synced(nil)
		return true, nil
	}
	if err := s.checkpoints.SavePull(ctx, id, page.LastSeq); err != nil {
		return false, err
	}

	s.log.Debug(ctx, "batch pulled", "changes", len(page.Revisions), "applied", applied, "conflicts", conflicted)
	s.synced(func(st *domain.ReplicationStatus) {
		st.PulledDocs += applied
		st.Conflicts += conflicted
		st.Rejected += int64(len(page.Rejected))
		st.PulledUntil = page.LastSeq
	})
	return false, nil
}

// lineage completes a remote revision's history when the local store holds
// a different revision of the same document; without it a descendant could
// not be told apart from a conflict.
func (s *ReplicationService) lineage(ctx context.Context, remote repository.RemoteRepository, rr *domain.RemoteRevision) (*domain.RemoteRevision, error) {
	local, err := s.docs.Lookup(ctx, rr.Document.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return rr, nil
	}
	if err != nil {
		return nil, err
	}
	if local.Revision == rr.Document.Revision || containsRev(local.Revisions, rr.Document.Revision) {
		return rr, nil
	}
	if containsRev(rr.Revisions, local.Revision) {
		return rr, nil
	}

	full, err := remote.Revisions(ctx, rr.Document.ID, rr.Document.Revision)
	if errors.Is(err, domain.ErrNotFound) {
		return rr, nil
	}
	if err != nil {
		return nil, err
	}
	return full, nil
}

func containsRev(history []string, rev string) bool {
	for _, r := range history {
		if r == rev {
			return true
		}
	}
	return false
}

func (s *ReplicationService) currentReplicationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.replicationID
}

func (s *ReplicationService) legState(l leg, state domain.ReplicationState, attempts int, err error) {
	s.mu.Lock()
	ls := domain.LegStatus{State: state, Attempts: attempts}
	if err != nil {
		ls.LastError = err.Error()
		s.status.LastError = err.Error()
	}
	prev := s.status.State
	if l == pushLeg {
		s.status.Push = ls
	} else {
		s.status.Pull = ls
	}
	if s.status.State != domain.ReplicationErrored {
		s.status.State = deriveState(s.status.Push.State, s.status.Pull.State)
	}
	changed := prev != s.status.State || err != nil
	s.mu.Unlock()

	if changed {
		s.publish()
	}
}

func (s *ReplicationService) synced(update func(st *domain.ReplicationStatus)) {
	now := s.now().UTC()
	s.mu.Lock()
	s.status.LastSyncAt = &now
	if update != nil {
		update(&s.status)
	}
	s.mu.Unlock()

	if update != nil {
		s.publish()
	}
}

func deriveState(push, pull domain.ReplicationState) domain.ReplicationState {
	for _, st := range []domain.ReplicationState{
		domain.ReplicationErrored,
		domain.ReplicationRetrying,
		domain.ReplicationConnecting,
		domain.ReplicationStreaming,
	} {
		if push == st || pull == st {
			return st
		}
	}
	return domain.ReplicationIdle
}

func (s *ReplicationService) publish() {
	s.mu.RLock()
	status := s.status
	for _, ch := range s.subs {
		select {
		case ch <- status:
		default:
		}
	}
	s.mu.RUnlock()

	if s.events != nil {
		s.events.PublishStatus(status)
	}
}
