package layer2

import (
	"context"
	"sync"
	"time"

	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/pkg/logging"
)

// ProbeFunc performs one liveness check and reports whether the protocol
// backend is currently reachable. Concrete adapters supply this (a
// Lightning peer ping, an RGB index head-check, ...); BaseAdapter only
// knows how to schedule it and fold the result into the state machine.
type ProbeFunc func(ctx context.Context) (ProtocolHealth, error)

// BaseAdapter bundles the state machine, retry policy, audit/logging
// collaborators, and background health-probe loop shared by every
// concrete protocol adapter as one reusable type that concrete adapters
// embed.
type BaseAdapter struct {
	id      ProtocolID
	machine *Machine
	backoff BackoffConfig
	audit   l2err.AuditRecorder
	log     *logging.Logger

	probeInterval time.Duration
	probe         ProbeFunc

	mu         sync.Mutex
	cancelProbe context.CancelFunc

	lastHealth ProtocolHealth
}

// NewBaseAdapter constructs a BaseAdapter. probe may be nil, in which
// case no background health loop runs and Health must be overridden by
// the embedding adapter.
func NewBaseAdapter(id ProtocolID, audit l2err.AuditRecorder, log *logging.Logger, probe ProbeFunc) *BaseAdapter {
	if log == nil {
		log = logging.GetDefault()
	}
	return &BaseAdapter{
		id:            id,
		machine:       NewMachine(),
		backoff:       DefaultBackoffConfig(),
		audit:         audit,
		log:           log.Component(string(id)),
		probeInterval: 15 * time.Second,
		probe:         probe,
	}
}

// ProtocolID returns the adapter's protocol identifier.
func (b *BaseAdapter) ProtocolID() ProtocolID { return b.id }

// State returns the current lifecycle state.
func (b *BaseAdapter) State() State { return b.machine.Current() }

// Machine exposes the underlying state machine for adapter-specific
// guard checks (e.g. rejecting TransferAsset while Degraded).
func (b *BaseAdapter) Machine() *Machine { return b.machine }

// Backoff exposes the retry policy for adapter-specific network calls.
func (b *BaseAdapter) Backoff() BackoffConfig { return b.backoff }

// SetBackoff overrides the default retry policy.
func (b *BaseAdapter) SetBackoff(cfg BackoffConfig) { b.backoff = cfg }

// MarkInitialized transitions Uninitialized -> Initialized. Idempotent.
func (b *BaseAdapter) MarkInitialized() error {
	return b.machine.Transition(b.audit, Initialized)
}

// BeginConnect starts the background health-probe loop (if a ProbeFunc
// was supplied) and transitions Initialized/Disconnected -> Connecting.
// The embedding adapter is responsible for calling FinishConnect once its
// own connection handshake succeeds.
func (b *BaseAdapter) BeginConnect(ctx context.Context) error {
	if err := b.machine.Transition(b.audit, Connecting); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.probe != nil && b.cancelProbe == nil {
		probeCtx, cancel := context.WithCancel(context.Background())
		b.cancelProbe = cancel
		go b.runProbeLoop(probeCtx)
	}
	return nil
}

// FinishConnect transitions Connecting -> Connected.
func (b *BaseAdapter) FinishConnect() error {
	return b.machine.Transition(b.audit, Connected)
}

// Disconnect stops the background probe loop and transitions to
// Disconnected. Idempotent.
func (b *BaseAdapter) Disconnect() error {
	b.mu.Lock()
	if b.cancelProbe != nil {
		b.cancelProbe()
		b.cancelProbe = nil
	}
	b.mu.Unlock()
	return b.machine.Transition(b.audit, Disconnected)
}

// Terminate transitions to the terminal state from any state after
// Uninitialized and stops the probe loop; an adapter that was never
// initialized cannot be terminated.
func (b *BaseAdapter) Terminate() error {
	b.mu.Lock()
	if b.cancelProbe != nil {
		b.cancelProbe()
		b.cancelProbe = nil
	}
	b.mu.Unlock()
	return b.machine.Transition(b.audit, Terminated)
}

// RequireConnected returns l2err.NotConnected unless Connected/Degraded.
func (b *BaseAdapter) RequireConnected() error {
	return b.machine.RequireConnected()
}

// LastHealth returns the most recent probe result, or a zero-value
// ProtocolHealth if no probe has completed yet.
func (b *BaseAdapter) LastHealth() ProtocolHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastHealth
}

func (b *BaseAdapter) runProbeLoop(ctx context.Context) {
	ticker := time.NewTicker(b.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health, err := b.probe(ctx)
			success := err == nil && health.Healthy
			b.machine.RecordProbe(success)

			b.mu.Lock()
			b.lastHealth = health
			b.mu.Unlock()

			if !success {
				b.log.Warn("health probe failed", "error", err)
			}
		}
	}
}
