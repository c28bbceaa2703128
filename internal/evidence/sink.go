package evidence

import (
	"context"
	"errors"
)

// Broadcaster delivers evidence to the other witnesses of its subject.
type Broadcaster interface {
	Broadcast(ctx context.Context, e *Evidence) error
}

// Sink files evidence in the local store and forwards it to other witnesses.
type Sink struct {
	store       *Store
	broadcaster Broadcaster
}

// NewSink creates a sink. A nil broadcaster keeps evidence local.
func NewSink(store *Store, broadcaster Broadcaster) *Sink {
	return &Sink{store: store, broadcaster: broadcaster}
}

// FileEvidence appends e to the local log. Evidence that was already filed is
// not an error.
func (s *Sink) FileEvidence(ctx context.Context, e *Evidence) error {
	if err := s.store.Add(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicateEvidence) {
			log.Debugf("Evidence %s already filed", e.ID)
			return nil
		}
		return err
	}
	log.Infof("Filed %s", e)
	return nil
}

// BroadcastToWitnesses forwards e to the subject's other witnesses.
func (s *Sink) BroadcastToWitnesses(ctx context.Context, e *Evidence) error {
	if s.broadcaster == nil {
		return nil
	}
	return s.broadcaster.Broadcast(ctx, e)
}
