package service

import (
	"context"
	"errors"
	"fmt"

	"campo-sync/internal/domain"
	"campo-sync/internal/logging"
	"campo-sync/internal/repository"

	"github.com/google/uuid"
)

// DocumentService is the UI's write path into the local store. Every read is
// scoped to the session principal.
type DocumentService struct {
	repo      repository.DocumentRepository
	conflicts repository.ConflictRepository
	events    EventPublisher
	notifier  ChangeNotifier
	log       logging.Logger
}

func NewDocumentService(
	repo repository.DocumentRepository,
	conflicts repository.ConflictRepository,
	events EventPublisher,
	log logging.Logger,
) *DocumentService {
	return &DocumentService{
		repo:      repo,
		conflicts: conflicts,
		events:    events,
		log:       log,
	}
}

func (s *DocumentService) SetChangeNotifier(n ChangeNotifier) {
	s.notifier = n
}

func (s *DocumentService) Create(ctx context.Context, principal string, req *domain.PutDocumentRequest) (*domain.Document, error) {
	return s.put(ctx, principal, uuid.New().String(), req)
}

func (s *DocumentService) Put(ctx context.Context, principal, id string, req *domain.PutDocumentRequest) (*domain.Document, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: document id is required", domain.ErrValidation)
	}
	if err := s.checkScope(ctx, principal, id); err != nil {
		return nil, err
	}
	return s.put(ctx, principal, id, req)
}

func (s *DocumentService) put(ctx context.Context, principal, id string, req *domain.PutDocumentRequest) (*domain.Document, error) {
	owner := req.Owner
	if owner == "" {
		owner = principal
	}
	if owner != principal {
		return nil, fmt.Errorf("%w: owner must be the session principal", domain.ErrValidation)
	}

	stored, err := s.repo.Put(ctx, &domain.Document{
		ID:       id,
		Revision: req.Revision,
		Kind:     req.Kind,
		Owner:    owner,
		Payload:  req.Payload,
	})
	if err != nil {
		return nil, s.conflictDetail(ctx, id, err)
	}

	s.log.Debug(ctx, "document stored", "id", stored.ID, "rev", stored.Revision, "kind", stored.Kind)
	s.changed(stored)
	return stored, nil
}

func (s *DocumentService) Get(ctx context.Context, principal, id string) (*domain.Document, error) {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Owner != principal {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return doc, nil
}

// Remove writes a tombstone at rev.
func (s *DocumentService) Remove(ctx context.Context, principal, id, rev string) (*domain.Document, error) {
	if rev == "" {
		return nil, fmt.Errorf("%w: revision is required to remove a document", domain.ErrValidation)
	}
	if err := s.checkScope(ctx, principal, id); err != nil {
		return nil, err
	}

	tomb, err := s.repo.Put(ctx, &domain.Document{ID: id, Revision: rev, Deleted: true})
	if err != nil {
		return nil, s.conflictDetail(ctx, id, err)
	}

	s.log.Debug(ctx, "document removed", "id", tomb.ID, "rev", tomb.Revision)
	s.changed(tomb)
	return tomb, nil
}

func (s *DocumentService) Conflicts(ctx context.Context, principal, id string) ([]*domain.ConflictRevision, error) {
	if _, err := s.Get(ctx, principal, id); err != nil {
		return nil, err
	}
	return s.conflicts.List(ctx, id)
}

func (s *DocumentService) AllConflicts(ctx context.Context, principal string) ([]*domain.ConflictRevision, error) {
	return s.conflicts.ListByOwner(ctx, principal)
}

// DiscardConflict drops a losing revision from the local store only; the
// remote keeps its branch until resolved there.
func (s *DocumentService) DiscardConflict(ctx context.Context, principal, id, rev string) error {
	if err := s.checkScope(ctx, principal, id); err != nil {
		return err
	}
	if err := s.conflicts.Discard(ctx, id, rev); err != nil {
		return err
	}
	s.log.Info(ctx, "conflict discarded", "id", id, "rev", rev)
	return nil
}

// checkScope rejects writes to documents another principal owns. Unknown ids
// pass so the store can report them.
func (s *DocumentService) checkScope(ctx context.Context, principal, id string) error {
	doc, err := s.repo.Lookup(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if doc.Owner != "" && doc.Owner != principal {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return nil
}

func (s *DocumentService) conflictDetail(ctx context.Context, id string, err error) error {
	if !errors.Is(err, domain.ErrConflict) {
		return err
	}
	current, lookupErr := s.repo.Lookup(ctx, id)
	if lookupErr != nil {
		return &ConflictError{DocumentID: id}
	}
	return &ConflictError{DocumentID: id, Current: current}
}

func (s *DocumentService) changed(doc *domain.Document) {
	if s.events != nil {
		s.events.PublishChange(changeEvent(doc, domain.OriginLocal))
	}
	if s.notifier != nil {
		s.notifier.NotifyLocalChange()
	}
}
