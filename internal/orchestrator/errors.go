package orchestrator

import (
	"errors"

	"botfleet/internal/meter"
	"botfleet/internal/registry"
	"botfleet/internal/supervisor"
)

var (
	// ErrBotNotFound reports an operation against an unknown bot ID.
	ErrBotNotFound = errors.New("bot not found")

	// ErrUnknownStrategy reports a create request naming a strategy
	// tag that was never registered.
	ErrUnknownStrategy = errors.New("unknown strategy")

	// ErrInvalidCapital reports a create request with a non-positive
	// capital allocation.
	ErrInvalidCapital = errors.New("capital must be positive")

	// ErrShuttingDown reports that the orchestrator no longer admits
	// new bots.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// DenialReason maps an admission or lifecycle error to a stable,
// machine readable reason string for API responses and alerts.
func DenialReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	case errors.Is(err, ErrBotNotFound):
		return "not_found"
	case errors.Is(err, ErrUnknownStrategy):
		return "unknown_strategy"
	case errors.Is(err, ErrInvalidCapital):
		return "invalid_capital"
	case errors.Is(err, supervisor.ErrStartTimeout):
		return "start_timeout"
	}

	if qe, ok := meter.IsQuotaError(err); ok {
		return "quota_exceeded:" + string(qe.Kind)
	}
	var ce *registry.ConflictError
	if errors.As(err, &ce) {
		return "conflict"
	}
	return "internal"
}
