// Package replay re-executes a disclosed range of a subject's log against a
// reference state machine, starting from a checkpoint.
package replay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

var log = logging.Logger("sdn-replay")

var (
	ErrPoolClosed       = errors.New("replay pool closed")
	ErrNotCheckpoint    = errors.New("replay must start from a checkpoint")
	ErrAllocationFailed = errors.New("WASM memory allocation failed")
	ErrMissingExports   = errors.New("WASM module missing replay exports")
)

// Result is the verdict of a replay.
type Result struct {
	Agree bool
	// DivergingSeq is the first entry whose replay disagreed with the log.
	DivergingSeq uint64
}

// Engine replays entries following checkpoint. Implementations may block.
type Engine interface {
	Replay(ctx context.Context, subject peer.ID, checkpoint snippet.LogEntry, entries []snippet.LogEntry) (Result, error)
}

// AcceptAll is the engine used when no reference state machine is configured.
type AcceptAll struct{}

// Replay implements Engine.
func (AcceptAll) Replay(_ context.Context, _ peer.ID, checkpoint snippet.LogEntry, _ []snippet.LogEntry) (Result, error) {
	if checkpoint.Kind != snippet.KindCheckpoint {
		return Result{}, ErrNotCheckpoint
	}
	return Result{Agree: true}, nil
}

// LoadEngine returns the WASM engine at path, or AcceptAll when path is empty.
func LoadEngine(ctx context.Context, path string) (Engine, error) {
	if path == "" {
		return AcceptAll{}, nil
	}
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read replay module: %w", err)
	}
	return NewWASMEngine(ctx, wasmBytes)
}

// Pool runs replays on a bounded number of goroutines. Submit never blocks.
type Pool struct {
	sem     chan struct{}
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool running at most workers jobs at once. Each job gets
// a context bounded by timeout when it is positive.
func NewPool(workers int, timeout time.Duration) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:     make(chan struct{}, workers),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit queues fn. It returns ErrPoolClosed after Close.
func (p *Pool) Submit(fn func(ctx context.Context)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			fn(p.ctx)
			return
		}
		defer func() { <-p.sem }()

		ctx := p.ctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}
		fn(ctx)
	}()
	return nil
}

// Close cancels running jobs and waits for them to return.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	log.Debug("Replay pool closed")
}
