package engine

import (
	"log/slog"
	"time"

	"github.com/hrygo/durable/engine/metrics"
	"github.com/hrygo/durable/store"
)

// DeterminismPolicy governs whether implicit internal step ids (sleep, emit,
// waitForSignal without a user-supplied step id) are accepted.
type DeterminismPolicy string

const (
	// DeterminismAllow accepts implicit ids silently.
	DeterminismAllow DeterminismPolicy = "allow"
	// DeterminismWarn accepts implicit ids and logs a warning.
	DeterminismWarn DeterminismPolicy = "warn"
	// DeterminismError raises at the first implicit id.
	DeterminismError DeterminismPolicy = "error"
)

// Defaults for Options fields left zero.
const (
	DefaultMaxAttempts          = 3
	DefaultKickoffFailsafeDelay = 10 * time.Second
	DefaultPollingInterval      = time.Second
	DefaultClaimTTL             = 30 * time.Second
	DefaultExecutionLockTTL     = 30 * time.Second
	DefaultWaitPollInterval     = 500 * time.Millisecond
	DefaultAuditChannelCapacity = 1024
)

// AuditEmitter streams audit entries to an external sink. Emission is
// fire-and-forget; implementations must not block.
type AuditEmitter interface {
	Emit(entry *store.AuditEntry)
}

// Options configures the engine. The zero value is usable; every field has a
// default.
type Options struct {
	// MaxAttempts is the retry budget per execution.
	MaxAttempts int
	// Timeout is the default per-execution wall-clock budget. Zero disables.
	Timeout time.Duration
	// KickoffFailsafeDelay arms a retry timer before enqueueing so a failed
	// enqueue is retried by the poller.
	KickoffFailsafeDelay time.Duration

	PollingEnabled  *bool
	PollingInterval time.Duration
	ClaimTTL        time.Duration

	AuditEnabled bool
	AuditEmitter AuditEmitter

	Determinism DeterminismPolicy

	WaitPollInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Resolver supplies tasks the local registry does not know.
	Resolver Resolver
	// Executor overrides the direct task invocation, letting a host framework
	// layer middleware around workflow calls.
	Executor TaskExecutor

	// now overrides the clock in tests.
	now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.KickoffFailsafeDelay <= 0 {
		o.KickoffFailsafeDelay = DefaultKickoffFailsafeDelay
	}
	if o.PollingEnabled == nil {
		enabled := true
		o.PollingEnabled = &enabled
	}
	if o.PollingInterval <= 0 {
		o.PollingInterval = DefaultPollingInterval
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = DefaultClaimTTL
	}
	if o.Determinism == "" {
		o.Determinism = DeterminismWarn
	}
	if o.WaitPollInterval <= 0 {
		o.WaitPollInterval = DefaultWaitPollInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Executor == nil {
		o.Executor = directExecutor{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}
