package rtc

import (
	"testing"

	"charitywater/afridev2/hal"
)

func tick(c *Clock, seconds int) {
	for i := 0; i < seconds*2; i++ {
		c.HalfSecondTick()
	}
}

func TestSecondsSinceBoot(t *testing.T) {
	c := New(hal.NopGate{})
	tick(c, 5)
	if got := c.SecondsSinceBoot(); got != 5 {
		t.Errorf("SecondsSinceBoot = %d, want 5", got)
	}
	// An odd half tick does not advance the second.
	c.HalfSecondTick()
	if got := c.SecondsSinceBoot(); got != 5 {
		t.Errorf("SecondsSinceBoot after half tick = %d, want 5", got)
	}
}

func TestCalendarRollover(t *testing.T) {
	c := New(hal.NopGate{})
	c.Set(Time{Second: 58, Minute: 59, Hour: 23, Day: 31, Month: 12, Year: 2025})
	tick(c, 3)

	got := c.Now()
	want := Time{Second: 1, Minute: 0, Hour: 0, Day: 1, Month: 1, Year: 2026}
	if got != want {
		t.Errorf("Now = %+v, want %+v", got, want)
	}
}

func TestLeapYearFebruary(t *testing.T) {
	tests := []struct {
		year uint16
		want uint8
	}{
		{2024, 29},
		{2025, 28},
		{2000, 29},
		{2100, 28},
	}
	for _, tc := range tests {
		if got := DaysInMonth(2, tc.year); got != tc.want {
			t.Errorf("DaysInMonth(2, %d) = %d, want %d", tc.year, got, tc.want)
		}
	}
}

func TestAddDelta(t *testing.T) {
	c := New(hal.NopGate{})
	// Boot at 2018-01-01 00:00:00; a GMT-set of 2915 days + 12 h lands on
	// 2025-12-25 12:00:00.
	c.AddDelta(2915, 12, 0, 0)

	got := c.Now()
	want := Time{Hour: 12, Day: 25, Month: 12, Year: 2025}
	if got != want {
		t.Errorf("after delta: %+v, want %+v", got, want)
	}
}

func TestAddDeltaMinuteWrap(t *testing.T) {
	c := New(hal.NopGate{})
	c.Set(Time{Minute: 50, Hour: 23, Day: 28, Month: 2, Year: 2024})
	c.AddDelta(0, 0, 15, 0)

	got := c.Now()
	want := Time{Minute: 5, Hour: 0, Day: 29, Month: 2, Year: 2024}
	if got != want {
		t.Errorf("after delta: %+v, want %+v", got, want)
	}
}

func TestBCDRoundTrip(t *testing.T) {
	for v := uint8(0); v < 100; v++ {
		if got := FromBCD(ToBCD(v)); got != v {
			t.Errorf("FromBCD(ToBCD(%d)) = %d", v, got)
		}
	}
	if ToBCD(59) != 0x59 {
		t.Errorf("ToBCD(59) = %#02x, want 0x59", ToBCD(59))
	}
}
