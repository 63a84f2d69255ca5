// Package sim executes alerts against synthetic market data with
// realistic slippage, commission, and latency. Fills it produces have
// the same shape as live fills.
package sim

import (
	"time"
)

// Session classifies the trading day by clock time.
type Session string

const (
	SessionRegular  Session = "regular"
	SessionExtended Session = "extended"
	SessionClosed   Session = "closed"
)

// Conditions drive spread, slippage, and perturbation amplitude.
type Conditions struct {
	Session              Session
	LiquidityFactor      float64 // 1.0 regular, 0.3 extended, 0.1 closed
	VolatilityMultiplier float64 // 1.5 open/close hour, 0.7 midday, 1.0 otherwise
}

// conditionsAt classifies a wall-clock instant in the exchange timezone.
// Regular session 09:30-16:00 on weekdays; extended 04:00-09:30 and
// 16:00-20:00; closed otherwise and on weekends.
func conditionsAt(t time.Time, loc *time.Location) Conditions {
	local := t.In(loc)
	mins := local.Hour()*60 + local.Minute()

	weekend := local.Weekday() == time.Saturday || local.Weekday() == time.Sunday

	c := Conditions{Session: SessionClosed, LiquidityFactor: 0.1, VolatilityMultiplier: 1.0}
	if weekend {
		return c
	}

	const (
		preOpen   = 4 * 60
		regOpen   = 9*60 + 30
		regClose  = 16 * 60
		afterEnd  = 20 * 60
		openHour  = regOpen + 60  // first hour of the regular session
		closeHour = regClose - 60 // last hour of the regular session
		midStart  = 11*60 + 30    // lunch lull
		midEnd    = 14 * 60
	)

	switch {
	case mins >= regOpen && mins < regClose:
		c.Session = SessionRegular
		c.LiquidityFactor = 1.0
	case mins >= preOpen && mins < regOpen, mins >= regClose && mins < afterEnd:
		c.Session = SessionExtended
		c.LiquidityFactor = 0.3
	default:
		return c
	}

	switch {
	case mins >= regOpen && mins < openHour, mins >= closeHour && mins < regClose:
		c.VolatilityMultiplier = 1.5
	case mins >= midStart && mins < midEnd:
		c.VolatilityMultiplier = 0.7
	default:
		c.VolatilityMultiplier = 1.0
	}
	return c
}
