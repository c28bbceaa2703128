// Package pubsub spreads evidence among the witnesses of a subject. Every
// subject has one gossip topic; its witnesses publish the evidence they file
// there and check and file what the others publish.
package pubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	ps "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-witness/internal/evidence"
	"github.com/spacedatanetwork/sdn-witness/internal/replay"
)

var log = logging.Logger("sdn-pubsub")

// TopicPrefix is the prefix for all evidence topics.
const TopicPrefix = "/spacedatanetwork/evidence/"

// TopicName returns the evidence topic of subject.
func TopicName(subject peer.ID) string {
	return TopicPrefix + subject.String()
}

// SubjectFromTopic extracts the subject from an evidence topic name.
func SubjectFromTopic(topic string) (peer.ID, error) {
	if !strings.HasPrefix(topic, TopicPrefix) || len(topic) == len(TopicPrefix) {
		return "", fmt.Errorf("not an evidence topic: %q", topic)
	}
	return peer.Decode(topic[len(TopicPrefix):])
}

// KeyResolver looks up the public key of a peer.
type KeyResolver interface {
	PubKey(id peer.ID) (crypto.PubKey, error)
}

// Filer stores evidence received from other witnesses.
type Filer interface {
	FileEvidence(ctx context.Context, e *evidence.Evidence) error
}

// Reactor is told about checked evidence from other witnesses.
type Reactor interface {
	// MarkExposed records a subject caught by verifiable evidence.
	MarkExposed(id peer.ID) error
	// Investigate asks for an audit covering since.
	Investigate(target peer.ID, since uint64)
}

// Params are the collaborators of Topics. Keys and Filer are required to take
// in evidence; Reactor may be nil.
type Params struct {
	Self    peer.ID
	Keys    KeyResolver
	Filer   Filer
	Reactor Reactor

	// Replayer re-runs the range of Nonconformant evidence. Without one such
	// evidence is never taken in; the subject is investigated instead.
	Replayer      replay.Engine
	ReplayTimeout time.Duration
}

// Topics manages the evidence topics this node has joined.
type Topics struct {
	pubsub *ps.PubSub
	p      Params

	mu     sync.Mutex
	topics map[peer.ID]*ps.Topic
	subs   map[peer.ID]*ps.Subscription
	wg     sync.WaitGroup
}

// NewTopics creates a topic manager on pubsub.
func NewTopics(pubsub *ps.PubSub, p Params) *Topics {
	return &Topics{
		pubsub: pubsub,
		p:      p,
		topics: make(map[peer.ID]*ps.Topic),
		subs:   make(map[peer.ID]*ps.Subscription),
	}
}

// topic joins the topic of subject once and returns it.
func (t *Topics) topic(subject peer.ID) (*ps.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if topic, ok := t.topics[subject]; ok {
		return topic, nil
	}

	name := TopicName(subject)
	if err := t.pubsub.RegisterTopicValidator(name, t.validate); err != nil {
		return nil, fmt.Errorf("failed to register validator for %s: %w", name, err)
	}
	topic, err := t.pubsub.Join(name)
	if err != nil {
		_ = t.pubsub.UnregisterTopicValidator(name)
		return nil, fmt.Errorf("failed to join topic %s: %w", name, err)
	}
	t.topics[subject] = topic
	log.Debugf("Joined topic: %s", name)
	return topic, nil
}

// validate drops envelopes that do not parse or are not about the topic's
// subject before they are propagated.
func (t *Topics) validate(_ context.Context, _ peer.ID, msg *ps.Message) bool {
	subject, err := SubjectFromTopic(msg.GetTopic())
	if err != nil {
		return false
	}
	e, err := evidence.UnmarshalEnvelope(msg.Data)
	if err != nil {
		log.Debugf("Rejecting evidence envelope on %s: %v", msg.GetTopic(), err)
		return false
	}
	return e.Subject == subject
}

// Close cancels all subscriptions and leaves all topics.
func (t *Topics) Close() error {
	t.mu.Lock()
	for _, sub := range t.subs {
		sub.Cancel()
	}
	for id, topic := range t.topics {
		if err := topic.Close(); err != nil {
			log.Debugf("Failed to close topic of %s: %v", id.ShortString(), err)
		}
		_ = t.pubsub.UnregisterTopicValidator(TopicName(id))
	}
	t.subs = make(map[peer.ID]*ps.Subscription)
	t.topics = make(map[peer.ID]*ps.Topic)
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
