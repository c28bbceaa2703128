package pubsub

import (
	"context"
	"fmt"

	"github.com/spacedatanetwork/sdn-witness/internal/evidence"
)

// Broadcast publishes e on the topic of its subject. It makes one attempt;
// the caller keeps evidence that failed to go out and offers it again later.
func (t *Topics) Broadcast(ctx context.Context, e *evidence.Evidence) error {
	topic, err := t.topic(e.Subject)
	if err != nil {
		return err
	}
	data := e.MarshalEnvelope()
	if err := topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish evidence %s: %w", e.ID, err)
	}

	log.Infof("Broadcast %s evidence against %s (%d bytes)", e.Kind, e.Subject.ShortString(), len(data))
	return nil
}
