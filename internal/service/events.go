package service

import "campo-sync/internal/domain"

// EventPublisher fans document and replication events out to UI observers.
type EventPublisher interface {
	PublishChange(event domain.ChangeEvent)
	PublishStatus(status domain.ReplicationStatus)
}

// ChangeNotifier is told about every local write so the push leg does not
// wait for its next poll.
type ChangeNotifier interface {
	NotifyLocalChange()
}

func changeEvent(doc *domain.Document, origin string) domain.ChangeEvent {
	return domain.ChangeEvent{
		DocumentID: doc.ID,
		Revision:   doc.Revision,
		Kind:       doc.Kind,
		Owner:      doc.Owner,
		Deleted:    doc.Deleted,
		Origin:     origin,
	}
}
