package keys

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/doord/internal/svcfields"
)

// Denial reasons, used for logging and metrics only. Callers never see them.
const (
	reasonUnknown       = "unknown"
	reasonUnknownKind   = "unknown_kind"
	reasonWeekend       = "weekend"
	reasonOutOfHours    = "out_of_hours"
	reasonMalformed     = "malformed"
	reasonOutOfRange    = "out_of_range"
	reasonConsumed      = "consumed"
	reasonPersistFailed = "persist_failed"
)

// ValidatorConfig wires a Validator.
type ValidatorConfig struct {
	Registry *Registry
	Used     *UsedSet
	// Location is the time zone business hours and dates are evaluated in
	// (default time.Local).
	Location *time.Location
	// PersistTimeout bounds recording a consumed one-time key
	// (default DefaultPersistTimeout).
	PersistTimeout time.Duration
	Logger         pslog.Logger
}

// Validator decides whether an access key may open the door right now.
type Validator struct {
	registry atomic.Pointer[Registry]
	used     *UsedSet
	loc      *time.Location
	logger   pslog.Logger
	metrics  *validatorMetrics
}

// NewValidator constructs a Validator. Missing collaborators default to an
// empty registry and an in-memory used set.
func NewValidator(cfg ValidatorConfig) *Validator {
	logger := svcfields.WithSubsystem(cfg.Logger, "keys.validator")
	v := &Validator{
		used:    cfg.Used,
		loc:     cfg.Location,
		logger:  logger,
		metrics: newValidatorMetrics(logger),
	}
	if v.used == nil {
		v.used = NewUsedSet(nil)
	}
	v.used.SetPersistTimeout(cfg.PersistTimeout)
	if v.loc == nil {
		v.loc = time.Local
	}
	registry := cfg.Registry
	if registry == nil {
		registry = EmptyRegistry()
	}
	v.registry.Store(registry)
	return v
}

// SetRegistry swaps the active registry; used on reload.
func (v *Validator) SetRegistry(r *Registry) {
	if r == nil {
		r = EmptyRegistry()
	}
	v.registry.Store(r)
	v.logger.Info("keys.registry.loaded", "keys", r.Len())
}

// Registry returns the active registry.
func (v *Validator) Registry() *Registry {
	return v.registry.Load()
}

// Used returns the consumed key set.
func (v *Validator) Used() *UsedSet {
	return v.used
}

// IsAuthorized evaluates keyID at now. One-time keys are consumed (and the
// consumption persisted) as part of a successful check.
func (v *Validator) IsAuthorized(ctx context.Context, keyID string, now time.Time) bool {
	key, ok := v.registry.Load().Lookup(keyID)
	if !ok {
		return v.deny(ctx, keyID, "", reasonUnknown, nil)
	}
	local := now.In(v.loc)
	if key.Kind == KindMaster {
		return v.allow(ctx, key)
	}
	if !key.Kind.Valid() {
		return v.deny(ctx, keyID, key.Kind, reasonUnknownKind, nil)
	}
	if !InBusinessHours(local) {
		reason := reasonOutOfHours
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			reason = reasonWeekend
		}
		return v.deny(ctx, keyID, key.Kind, reason, nil)
	}
	if key.Kind == KindRestricted {
		return v.allow(ctx, key)
	}
	from, till, err := key.DateRange(v.loc)
	if err != nil {
		return v.deny(ctx, keyID, key.Kind, reasonMalformed, err)
	}
	today := dateOnly(local)
	if today.Before(from) || today.After(till) {
		return v.deny(ctx, keyID, key.Kind, reasonOutOfRange, nil)
	}
	if key.Kind == KindLimited {
		return v.allow(ctx, key)
	}
	if err := v.used.Consume(ctx, keyID, now); err != nil {
		if errors.Is(err, ErrConsumed) {
			return v.deny(ctx, keyID, key.Kind, reasonConsumed, nil)
		}
		return v.deny(ctx, keyID, key.Kind, reasonPersistFailed, err)
	}
	v.metrics.recordConsumed(ctx)
	v.logger.Info("keys.once.consumed", "key", keyID)
	return v.allow(ctx, key)
}

func (v *Validator) allow(ctx context.Context, key AccessKey) bool {
	v.metrics.recordAllowed(ctx, key.Kind)
	v.logger.Debug("keys.authorized", "key", key.ID, "kind", string(key.Kind))
	return true
}

func (v *Validator) deny(ctx context.Context, keyID string, kind Kind, reason string, err error) bool {
	v.metrics.recordDenied(ctx, reason)
	switch {
	case err != nil:
		v.logger.Warn("keys.denied", "key", keyID, "kind", string(kind), "reason", reason, "error", err)
	default:
		v.logger.Info("keys.denied", "key", keyID, "kind", string(kind), "reason", reason)
	}
	return false
}
