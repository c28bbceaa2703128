package replay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

// replayAgree is the value the guest's replay export returns when every
// entry was reproduced.
const replayAgree = -1

// WASMEngine runs a reference state machine compiled to WebAssembly.
//
// The module must export memory, malloc(len i32) i32 and
// replay(ptr i32, len i32) i64; free(ptr i32) is optional. replay receives an
// encoded snippet whose first entry is the starting checkpoint and returns -1
// when the log is reproduced, or the seq of the first entry it disagrees with.
// The host module "sdn" offers log(level, ptr, len).
type WASMEngine struct {
	wazRuntime wazero.Runtime
	module     api.Module
	mu         sync.Mutex

	mallocFn api.Function
	freeFn   api.Function
	replayFn api.Function
}

// NewWASMEngine compiles and instantiates the state machine in wasmBytes.
func NewWASMEngine(ctx context.Context, wasmBytes []byte) (*WASMEngine, error) {
	cfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(512)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	_, err := r.NewHostModuleBuilder("sdn").
		NewFunctionBuilder().
		WithGoModuleFunction(
			api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
				level := api.DecodeI32(stack[0])
				ptr := api.DecodeU32(stack[1])
				length := api.DecodeU32(stack[2])
				const maxLogLen = 4096
				if length > maxLogLen {
					length = maxLogLen
				}
				data, ok := mod.Memory().Read(ptr, length)
				if !ok {
					return
				}
				msg := strings.Map(func(r rune) rune {
					if r < 0x20 && r != ' ' {
						return '?'
					}
					return r
				}, string(data))
				switch {
				case level <= 0:
					log.Debugf("[state machine] %s", msg)
				case level == 1:
					log.Infof("[state machine] %s", msg)
				default:
					log.Warnf("[state machine] %s", msg)
				}
			}),
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
			nil,
		).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("failed to register sdn host module: %w", err)
	}

	module, err := r.Instantiate(ctx, wasmBytes)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}
	if initializeFn := module.ExportedFunction("_initialize"); initializeFn != nil {
		if _, err := initializeFn.Call(ctx); err != nil {
			r.Close(ctx)
			return nil, fmt.Errorf("failed to run _initialize: %w", err)
		}
	}

	e := &WASMEngine{
		wazRuntime: r,
		module:     module,
		mallocFn:   module.ExportedFunction("malloc"),
		freeFn:     module.ExportedFunction("free"),
		replayFn:   module.ExportedFunction("replay"),
	}
	if e.mallocFn == nil || e.replayFn == nil || module.Memory() == nil {
		r.Close(ctx)
		return nil, ErrMissingExports
	}
	return e, nil
}

// Close releases the runtime.
func (e *WASMEngine) Close(ctx context.Context) error {
	if e.wazRuntime != nil {
		return e.wazRuntime.Close(ctx)
	}
	return nil
}

// Replay implements Engine.
func (e *WASMEngine) Replay(ctx context.Context, subject peer.ID, checkpoint snippet.LogEntry, entries []snippet.LogEntry) (Result, error) {
	if checkpoint.Kind != snippet.KindCheckpoint || checkpoint.Hashed {
		return Result{}, ErrNotCheckpoint
	}

	input, err := snippet.Encode(&snippet.LogSnippet{
		Entries: append([]snippet.LogEntry{checkpoint}, entries...),
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode replay input: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ptr, err := e.allocate(ctx, input)
	if err != nil {
		return Result{}, err
	}
	defer e.deallocate(ctx, ptr)

	results, err := e.replayFn.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return Result{}, fmt.Errorf("replay call failed: %w", err)
	}

	verdict := int64(results[0])
	switch {
	case verdict == replayAgree:
		log.Debugf("Replay of %s from %d agrees (%d entries)", subject.ShortString(), checkpoint.Seq, len(entries))
		return Result{Agree: true}, nil
	case verdict < 0:
		return Result{}, fmt.Errorf("replay returned error status %d", verdict)
	default:
		return Result{DivergingSeq: uint64(verdict)}, nil
	}
}

func (e *WASMEngine) allocate(ctx context.Context, data []byte) (uint32, error) {
	results, err := e.mallocFn.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, ErrAllocationFailed
	}
	if !e.module.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("failed to write %d bytes to WASM memory at %d", len(data), ptr)
	}
	return ptr, nil
}

func (e *WASMEngine) deallocate(ctx context.Context, ptr uint32) {
	if e.freeFn != nil {
		_, _ = e.freeFn.Call(ctx, uint64(ptr))
	}
}
