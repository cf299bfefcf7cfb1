package markethours

import (
	"testing"
	"time"
)

func testWindow(t *testing.T) Window {
	t.Helper()
	w, err := NewWindow("09:00", "15:31", "Asia/Kolkata")
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	return w
}

func at(t *testing.T, w Window, hour, min, sec int) time.Time {
	t.Helper()
	return time.Date(2025, time.March, 3, hour, min, sec, 0, w.Location())
}

func TestRegimeBoundaries(t *testing.T) {
	w := testWindow(t)

	cases := []struct {
		hour, min, sec int
		want           Regime
	}{
		{8, 59, 59, Closed},
		{9, 0, 0, Open},
		{12, 30, 0, Open},
		{15, 30, 59, Open},
		{15, 31, 0, Closed},
		{23, 59, 59, Closed},
		{0, 0, 0, Closed},
	}
	for _, tc := range cases {
		got := w.Regime(at(t, w, tc.hour, tc.min, tc.sec))
		if got != tc.want {
			t.Fatalf("regime at %02d:%02d:%02d = %s, want %s", tc.hour, tc.min, tc.sec, got, tc.want)
		}
	}
}

func TestRegimeConvertsForeignZones(t *testing.T) {
	w := testWindow(t)

	// 04:30 UTC is 10:00 IST, mid-session.
	utc := time.Date(2025, time.March, 3, 4, 30, 0, 0, time.UTC)
	if w.Regime(utc) != Open {
		t.Fatalf("04:30 UTC should be inside the IST session")
	}
}

func TestNextChangeBeforeOpen(t *testing.T) {
	w := testWindow(t)
	d := w.NextChange(at(t, w, 8, 0, 0))
	if d != time.Hour {
		t.Fatalf("next change from 08:00 should be 1h, got %s", d)
	}
}

func TestNextChangeWhileOpen(t *testing.T) {
	w := testWindow(t)
	d := w.NextChange(at(t, w, 15, 30, 59))
	if d != time.Second {
		t.Fatalf("next change from 15:30:59 should be 1s, got %s", d)
	}
}

func TestNextChangeWrapsPastMidnight(t *testing.T) {
	w := testWindow(t)

	// 23:00 → next open is 09:00 the following day.
	d := w.NextChange(at(t, w, 23, 0, 0))
	if d != 10*time.Hour {
		t.Fatalf("next change from 23:00 should be 10h, got %s", d)
	}

	// Exactly at close the next event is the following day's open.
	d = w.NextChange(at(t, w, 15, 31, 0))
	want := 17*time.Hour + 29*time.Minute
	if d != want {
		t.Fatalf("next change from 15:31 should be %s, got %s", want, d)
	}
}

func TestNewWindowRejectsInvertedWindow(t *testing.T) {
	if _, err := NewWindow("16:00", "09:00", "Asia/Kolkata"); err == nil {
		t.Fatal("inverted window should be rejected")
	}
}

func TestNewWindowRejectsBadInput(t *testing.T) {
	if _, err := NewWindow("9am", "15:31", "Asia/Kolkata"); err == nil {
		t.Fatal("non HH:MM open should be rejected")
	}
	if _, err := NewWindow("09:00", "15:31", "Mars/Olympus"); err == nil {
		t.Fatal("unknown timezone should be rejected")
	}
}
