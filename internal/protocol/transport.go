package protocol

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-witness/internal/auditor"
	"github.com/spacedatanetwork/sdn-witness/internal/authstore"
)

// Receiver takes the answers the transport collects. The audit engine
// implements it.
type Receiver interface {
	HandleResponse(from peer.ID, evidenceSeq uint64, data []byte)
	AddAuthenticator(subject peer.ID, a authstore.Authenticator)
}

// Transport is the witness side of the audit protocols. Requests are sent in
// the background; whatever comes back is handed to the attached Receiver.
type Transport struct {
	host    host.Host
	timeout time.Duration

	mu   sync.RWMutex
	recv Receiver
	wg   sync.WaitGroup
}

// NewTransport creates a transport on h. timeout bounds each exchange; zero
// uses the stream deadlines.
func NewTransport(h host.Host, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = streamReadDeadline + streamWriteDeadline
	}
	return &Transport{host: h, timeout: timeout}
}

// Attach sets the receiver of responses.
func (t *Transport) Attach(r Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recv = r
}

func (t *Transport) receiver() Receiver {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.recv
}

// SendChallenge starts an audit exchange with target.
func (t *Transport) SendChallenge(ctx context.Context, target peer.ID, ch auditor.Challenge) error {
	recv := t.receiver()
	if recv == nil {
		return ErrNotAttached
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		data, err := t.challenge(ctx, target, ch)
		if err != nil {
			log.Debugf("audit: challenge %d to %s failed: %v", ch.EvidenceSeq, target.ShortString(), err)
			return
		}
		recv.HandleResponse(target, ch.EvidenceSeq, data)
	}()
	return nil
}

func (t *Transport) challenge(ctx context.Context, target peer.ID, ch auditor.Challenge) ([]byte, error) {
	streamCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	stream, err := t.host.NewStream(streamCtx, target, AuditProtocolID)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	_ = stream.SetWriteDeadline(time.Now().Add(streamWriteDeadline))
	if err := writeChallenge(stream, ch); err != nil {
		stream.Reset()
		return nil, err
	}
	if err := stream.CloseWrite(); err != nil {
		return nil, err
	}

	_ = stream.SetReadDeadline(time.Now().Add(streamReadDeadline))
	data, err := readSnippetResponse(stream)
	if err != nil {
		stream.Reset()
		return nil, err
	}
	log.Debugf("audit: %d-byte response from %s (eseq %d)", len(data), target.ShortString(), ch.EvidenceSeq)
	return data, nil
}

// RequestAuthenticators asks target for its authenticators around since.
func (t *Transport) RequestAuthenticators(ctx context.Context, target peer.ID, since uint64) error {
	recv := t.receiver()
	if recv == nil {
		return ErrNotAttached
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		auths, err := t.fetchAuthenticators(ctx, target, since)
		if err != nil {
			log.Debugf("authenticators: request to %s failed: %v", target.ShortString(), err)
			return
		}
		for _, a := range auths {
			recv.AddAuthenticator(target, a)
		}
	}()
	return nil
}

func (t *Transport) fetchAuthenticators(ctx context.Context, target peer.ID, since uint64) ([]authstore.Authenticator, error) {
	streamCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	stream, err := t.host.NewStream(streamCtx, target, AuthProtocolID)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	_ = stream.SetWriteDeadline(time.Now().Add(streamWriteDeadline))
	if _, err := stream.Write(binary.LittleEndian.AppendUint64(nil, since)); err != nil {
		stream.Reset()
		return nil, err
	}
	if err := stream.CloseWrite(); err != nil {
		return nil, err
	}

	_ = stream.SetReadDeadline(time.Now().Add(streamReadDeadline))
	auths, err := readAuthResponse(stream)
	if err != nil {
		stream.Reset()
		return nil, err
	}
	log.Debugf("authenticators: %d from %s (since %d)", len(auths), target.ShortString(), since)
	return auths, nil
}

// Wait blocks until every exchange in flight has finished.
func (t *Transport) Wait() {
	t.wg.Wait()
}
