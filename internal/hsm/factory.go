package hsm

import (
	"context"
	"fmt"
	"time"

	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/pkg/logging"
)

// FallbackPolicy controls how a Factory reacts when its primary provider
// is unhealthy or returns a transient error.
type FallbackPolicy string

const (
	// FallbackFail never substitutes another provider; a primary failure
	// is surfaced directly to the caller.
	FallbackFail FallbackPolicy = "fail"
	// FallbackOnce tries exactly one alternate provider, in list order,
	// before giving up.
	FallbackOnce FallbackPolicy = "fallback_once"
	// FallbackAlways walks the full provider list in order until one
	// succeeds or the list is exhausted.
	FallbackAlways FallbackPolicy = "fallback_always"
)

// entry pairs a provider with the audit actor identity it signs
// operations as.
type entry struct {
	provider Provider
	name     string
}

// Factory routes each call through its configured Providers in order,
// falling back per Policy when a provider returns a Kind.Transient()
// error. It does not probe Health before routing a call: an unhealthy
// provider is passed over only through the error its call returns.
// Every attempt, successful or not, is appended to Audit.
type Factory struct {
	providers []entry
	policy    FallbackPolicy
	audit     auditSink
	log       *logging.Logger
}

// auditSink is the minimal surface the Factory needs from an audit.Sink,
// kept as an interface here so hsm does not import the audit package
// directly and create a dependency cycle with callers that configure
// both from the same audit.Sink value.
type auditSink interface {
	RecordSuccess(op, actor, handle string, inputsHash [32]byte, fallback bool)
	RecordFailure(op string, cause error)
}

// ProviderConfig names a Provider for audit records and fallback
// ordering (e.g. {"software", sw}, {"ledger-primary", ledger}).
type ProviderConfig struct {
	Name     string
	Provider Provider
}

// NewFactory builds a Factory trying providers in order; name labels each
// provider in audit records (e.g. "software", "ledger-primary").
func NewFactory(policy FallbackPolicy, audit auditSink, log *logging.Logger, providers ...ProviderConfig) *Factory {
	if log == nil {
		log = logging.GetDefault()
	}
	f := &Factory{policy: policy, audit: audit, log: log.Component("hsm-factory")}
	for _, p := range providers {
		f.providers = append(f.providers, entry{provider: p.Provider, name: p.Name})
	}
	return f
}

// Add appends a provider to the end of the fallback chain.
func (f *Factory) Add(name string, p Provider) {
	f.providers = append(f.providers, entry{provider: p, name: name})
}

// Primary returns the first configured provider, or nil if none are set.
// Its health is not probed.
func (f *Factory) Primary() Provider {
	if len(f.providers) == 0 {
		return nil
	}
	return f.providers[0].provider
}

// call runs fn against providers in order according to Policy, stopping
// at the first success, and recording every attempt to the audit sink.
func (f *Factory) call(ctx context.Context, op string, inputsHash [32]byte, fn func(Provider) (any, error)) (any, string, error) {
	if len(f.providers) == 0 {
		return nil, "", l2err.New(l2err.Config, "hsm factory has no providers configured")
	}

	limit := len(f.providers)
	switch f.policy {
	case FallbackFail:
		limit = 1
	case FallbackOnce:
		if limit > 2 {
			limit = 2
		}
	case FallbackAlways:
		// full list
	}

	var lastErr error
	for i := 0; i < limit; i++ {
		e := f.providers[i]
		v, err := fn(e.provider)
		fallback := i > 0
		if err == nil {
			if f.audit != nil {
				f.audit.RecordSuccess(op, e.name, "", inputsHash, fallback)
			}
			return v, e.name, nil
		}

		lastErr = err
		if f.audit != nil {
			f.audit.RecordFailure(op, err)
		}
		f.log.Warn("hsm provider call failed", "op", op, "provider", e.name, "error", err, "attempt", i+1)

		if !l2err.KindOf(err).Transient() {
			// Policy/denied/invalid-signature class errors are never
			// worth retrying against a different provider: the request
			// itself is the problem, not the backend.
			return nil, e.name, err
		}
	}
	return nil, "", fmt.Errorf("all configured hsm providers exhausted: %w", lastErr)
}

func (f *Factory) GenerateKey(ctx context.Context, req GenerateKeyRequest) (KeyMetadata, error) {
	v, _, err := f.call(ctx, "generate_key", [32]byte{}, func(p Provider) (any, error) {
		return p.GenerateKey(ctx, req)
	})
	if err != nil {
		return KeyMetadata{}, err
	}
	return v.(KeyMetadata), nil
}

func (f *Factory) ImportKey(ctx context.Context, req ImportKeyRequest) (KeyMetadata, error) {
	v, _, err := f.call(ctx, "import_key", [32]byte{}, func(p Provider) (any, error) {
		return p.ImportKey(ctx, req)
	})
	if err != nil {
		return KeyMetadata{}, err
	}
	return v.(KeyMetadata), nil
}

func (f *Factory) ExportPublic(ctx context.Context, handle KeyHandle) (PublicKeyBytes, error) {
	v, _, err := f.call(ctx, "export_public", [32]byte{}, func(p Provider) (any, error) {
		return p.ExportPublic(ctx, handle)
	})
	if err != nil {
		return nil, err
	}
	return v.(PublicKeyBytes), nil
}

func (f *Factory) Sign(ctx context.Context, req SignRequest) (Signature, error) {
	v, _, err := f.call(ctx, "sign", req.MsgHash, func(p Provider) (any, error) {
		return p.Sign(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(Signature), nil
}

func (f *Factory) Verify(ctx context.Context, req VerifyRequest) (bool, error) {
	v, _, err := f.call(ctx, "verify", req.MsgHash, func(p Provider) (any, error) {
		return p.Verify(ctx, req)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (f *Factory) DeleteKey(ctx context.Context, handle KeyHandle) error {
	_, _, err := f.call(ctx, "delete_key", [32]byte{}, func(p Provider) (any, error) {
		return nil, p.DeleteKey(ctx, handle)
	})
	return err
}

func (f *Factory) DeriveChild(ctx context.Context, handle KeyHandle, path []uint32) (KeyMetadata, error) {
	v, _, err := f.call(ctx, "derive_child", [32]byte{}, func(p Provider) (any, error) {
		return p.DeriveChild(ctx, handle, path)
	})
	if err != nil {
		return KeyMetadata{}, err
	}
	return v.(KeyMetadata), nil
}

// HealthAll probes every configured provider and returns their reports
// keyed by provider name, never stopping early: callers use this for a diagnostics
// endpoint, not request routing.
func (f *Factory) HealthAll(ctx context.Context) map[string]HealthReport {
	out := make(map[string]HealthReport, len(f.providers))
	for _, e := range f.providers {
		start := time.Now()
		report, err := e.provider.Health(ctx)
		if err != nil {
			report = HealthReport{Healthy: false, Details: err.Error()}
		}
		report.LatencyMS = time.Since(start).Milliseconds()
		out[e.name] = report
	}
	return out
}

var _ Provider = (*Factory)(nil)

func (f *Factory) Variant() Variant {
	if p := f.Primary(); p != nil {
		return p.Variant()
	}
	return ""
}

func (f *Factory) Health(ctx context.Context) (HealthReport, error) {
	if p := f.Primary(); p != nil {
		return p.Health(ctx)
	}
	return HealthReport{Healthy: false, Details: "no providers configured"}, nil
}
