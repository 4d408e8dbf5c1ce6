package session

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/skill-exchange/credit"
)

// DefaultBillingUnit is the granularity session costs are rounded up to.
var DefaultBillingUnit = credit.Credits(1)

var nanosPerHour = decimal.NewFromInt(int64(time.Hour))

// Cost returns rate × duration in hours, rounded up to a multiple of unit.
// A 1.5 hour session at 4 credits/hour costs 6; at 5 credits/hour it costs 8.
func Cost(rate decimal.Decimal, start, end time.Time, unit decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: hourly rate must be positive, got %s", credit.ErrInvalidRequest, rate)
	}
	if !end.After(start) {
		return decimal.Zero, fmt.Errorf("%w: session must end after it starts", credit.ErrInvalidRequest)
	}
	if !unit.IsPositive() {
		unit = DefaultBillingUnit
	}

	// units = ceil(rate × nanos / (nanosPerHour × unit)), in exact arithmetic
	num := rate.Mul(decimal.NewFromInt(int64(end.Sub(start))))
	den := nanosPerHour.Mul(unit)
	q, r := num.QuoRem(den, 0)
	if !r.IsZero() {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q.Mul(unit), nil
}
