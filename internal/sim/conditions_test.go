package sim

import (
	"testing"
	"time"
)

func TestConditionsAt(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	// Monday 2026-08-24 is a weekday
	day := func(hour, minute int) time.Time {
		return time.Date(2026, 8, 24, hour, minute, 0, 0, loc)
	}

	tests := []struct {
		name    string
		at      time.Time
		session Session
		liq     float64
		vol     float64
	}{
		{"pre-market", day(5, 0), SessionExtended, 0.3, 1.0},
		{"opening hour", day(9, 45), SessionRegular, 1.0, 1.5},
		{"late morning", day(10, 45), SessionRegular, 1.0, 1.0},
		{"midday lull", day(12, 30), SessionRegular, 1.0, 0.7},
		{"afternoon", day(14, 30), SessionRegular, 1.0, 1.0},
		{"closing hour", day(15, 30), SessionRegular, 1.0, 1.5},
		{"after hours", day(17, 0), SessionExtended, 0.3, 1.0},
		{"overnight", day(2, 0), SessionClosed, 0.1, 1.0},
		{"weekend", time.Date(2026, 8, 22, 12, 0, 0, 0, loc), SessionClosed, 0.1, 1.0},
	}

	for _, tt := range tests {
		tt := tt
		_ = tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := conditionsAt(tt.at, loc)
			if c.Session != tt.session {
				t.Errorf("session = %s, want %s", c.Session, tt.session)
			}
			if c.LiquidityFactor != tt.liq {
				t.Errorf("liquidity = %v, want %v", c.LiquidityFactor, tt.liq)
			}
			if c.VolatilityMultiplier != tt.vol {
				t.Errorf("volatility = %v, want %v", c.VolatilityMultiplier, tt.vol)
			}
		})
	}
}
