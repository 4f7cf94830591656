package hal

import "testing"

func TestTempCelsius(t *testing.T) {
	tests := []struct {
		adc  uint16
		want int16
	}{
		// (60026*adc - 17222860) >> 16
		{0, -263},
		{287, 0},
		{300, 11},
		{512, 206},
		{1023, 674},
	}

	for _, tc := range tests {
		got := TempCelsius(tc.adc)
		if got != tc.want {
			t.Errorf("TempCelsius(%d) = %d, want %d", tc.adc, got, tc.want)
		}
	}
}

func TestSimPin(t *testing.T) {
	var p SimPin
	p.Set(true)
	if !p.Get() {
		t.Error("pin should read high after Set(true)")
	}
	p.Set(false)
	if p.Get() {
		t.Error("pin should read low after Set(false)")
	}
	if p.Sets != 2 {
		t.Errorf("Sets = %d, want 2", p.Sets)
	}
}
