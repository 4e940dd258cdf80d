package meter

import (
	"errors"
	"fmt"
)

// QuotaKind names the resource dimension a quota denial refers to.
type QuotaKind string

const (
	QuotaBots    QuotaKind = "bots"
	QuotaCapital QuotaKind = "capital"
	QuotaAPIRate QuotaKind = "api_rate"
)

// ErrRateLimited marks API window exhaustion; QuotaError with kind
// api_rate unwraps to it so callers can branch with errors.Is.
var ErrRateLimited = errors.New("api call rate limit exceeded")

// QuotaError reports a denied reservation with enough detail for the
// caller to build a useful response or alert.
type QuotaError struct {
	TenantID  string
	Kind      QuotaKind
	Limit     float64
	Current   float64
	Requested float64
}

func (e *QuotaError) Error() string {
	switch e.Kind {
	case QuotaBots:
		return fmt.Sprintf("tenant %s: bot quota exceeded (%d of %d in use)",
			e.TenantID, int(e.Current), int(e.Limit))
	case QuotaCapital:
		return fmt.Sprintf("tenant %s: capital quota exceeded (%.2f allocated, %.2f requested, limit %.2f)",
			e.TenantID, e.Current, e.Requested, e.Limit)
	case QuotaAPIRate:
		return fmt.Sprintf("tenant %s: api call limit exceeded (%d of %d this hour)",
			e.TenantID, int(e.Current), int(e.Limit))
	default:
		return fmt.Sprintf("tenant %s: quota exceeded (%s)", e.TenantID, e.Kind)
	}
}

func (e *QuotaError) Unwrap() error {
	if e.Kind == QuotaAPIRate {
		return ErrRateLimited
	}
	return nil
}

// IsQuotaError reports whether err is a quota denial and, if so,
// returns the typed error.
func IsQuotaError(err error) (*QuotaError, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
