// Package source provides the two ways the engine gets fed: an embedded
// source the host client drives directly through Go calls, and an RPC
// source that polls a JSON-RPC endpoint for standalone research runs.
package source

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/carlbeek/gasdivergence/pkg/replay"
)

// Embedded is the in-process block notifier for hosts embedding the
// engine as a library. The host pushes committed blocks and revert
// notifications; pushes never block the host's commit path.
//
// Lifecycle:
//  1. Create with NewEmbedded
//  2. Register OnReady callbacks (optional)
//  3. Host calls MarkReady once it can serve state and EVM requests
//  4. Host calls CommitBlock / RevertRange as the chain advances
//  5. Host calls Close on shutdown, which ends the pipeline's stream
type Embedded struct {
	log logrus.FieldLogger
	ch  chan replay.Notification

	mu               sync.RWMutex
	ready            bool
	closed           bool
	onReadyCallbacks []func(ctx context.Context) error
}

// NewEmbedded returns an Embedded source with the given notification
// buffer. A generous buffer absorbs import bursts; overflow drops the
// notification rather than stalling the host.
func NewEmbedded(log logrus.FieldLogger, buffer int) *Embedded {
	if buffer <= 0 {
		buffer = 256
	}

	return &Embedded{
		log: log.WithField("component", "source/embedded"),
		ch:  make(chan replay.Notification, buffer),
	}
}

// Notifications implements replay.BlockNotifier.
func (e *Embedded) Notifications() <-chan replay.Notification {
	return e.ch
}

// OnReady registers a callback executed when the host marks the source
// ready. Callbacks registered after MarkReady run immediately.
func (e *Embedded) OnReady(cb func(ctx context.Context) error) {
	e.mu.Lock()

	if e.ready {
		e.mu.Unlock()

		if err := cb(context.Background()); err != nil {
			e.log.WithError(err).Warn("OnReady callback failed")
		}

		return
	}

	e.onReadyCallbacks = append(e.onReadyCallbacks, cb)
	e.mu.Unlock()
}

// MarkReady signals that the host can serve state snapshots and EVM
// construction, and runs registered callbacks in order.
func (e *Embedded) MarkReady(ctx context.Context) {
	e.mu.Lock()

	if e.ready {
		e.mu.Unlock()

		return
	}

	e.ready = true
	callbacks := e.onReadyCallbacks
	e.onReadyCallbacks = nil
	e.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb(ctx); err != nil {
			e.log.WithError(err).Warn("OnReady callback failed")
		}
	}
}

// CommitBlock pushes one committed block, optionally with the host's
// baseline execution result. Returns false when the notification was
// dropped (buffer full or source closed).
func (e *Embedded) CommitBlock(block *replay.RecoveredBlock, result *replay.BlockExecutionResult) bool {
	return e.push(replay.Notification{
		Kind:   replay.KindCommitted,
		Block:  block,
		Result: result,
	})
}

// RevertRange pushes a chain-revert notification for [from, to].
func (e *Embedded) RevertRange(from, to uint64) bool {
	return e.push(replay.Notification{
		Kind:         replay.KindReverted,
		RevertedFrom: from,
		RevertedTo:   to,
	})
}

func (e *Embedded) push(notification replay.Notification) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return false
	}

	select {
	case e.ch <- notification:
		return true
	default:
		e.log.Warn("Notification buffer full, dropping")

		return false
	}
}

// Close ends the stream. Subsequent pushes are dropped.
func (e *Embedded) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	e.closed = true
	close(e.ch)
}
