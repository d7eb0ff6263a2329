package temporal

import (
	"math"
	"testing"
	"time"
)

func TestRecency_ZeroElapsedIsOne(t *testing.T) {
	if got := Recency(0, DefaultHalfLife); got != 1 {
		t.Errorf("Recency(0) = %v, want 1", got)
	}
}

func TestRecency_HalvesAtHalfLife(t *testing.T) {
	got := Recency(DefaultHalfLife, DefaultHalfLife)
	if math.Abs(got-0.5) > 1e-9 {
		t.Errorf("Recency(halfLife) = %v, want 0.5", got)
	}
}

func TestRecency_OneMoreHalfLifeHalvesAgain(t *testing.T) {
	h := time.Hour
	base := Recency(3*time.Hour, h)
	later := Recency(3*time.Hour+h, h)
	if math.Abs(later-base/2) > 1e-9 {
		t.Errorf("adding one half-life to elapsed time should halve recency: base=%v later=%v", base, later)
	}
}

func TestRecency_BoundedInRange(t *testing.T) {
	for _, elapsed := range []time.Duration{0, time.Minute, time.Hour, 24 * time.Hour, 365 * 24 * time.Hour} {
		got := Recency(elapsed, DefaultHalfLife)
		if got <= 0 || got > 1 {
			t.Errorf("Recency(%v) = %v, want in (0,1]", elapsed, got)
		}
	}
}

func TestRecency_NegativeElapsedClampedToZero(t *testing.T) {
	if got := Recency(-time.Hour, DefaultHalfLife); got != 1 {
		t.Errorf("Recency(negative) = %v, want 1 (clamped)", got)
	}
}

func TestDeriveKeys_DayHourWeek(t *testing.T) {
	ts := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)
	k := DeriveKeys("shared:household", "evt1", ts, nil)
	if k.Day != "2026-03-05" {
		t.Errorf("Day = %q", k.Day)
	}
	if k.Hour != "2026-03-05T14" {
		t.Errorf("Hour = %q", k.Hour)
	}
	if k.Week == "" {
		t.Error("expected non-empty Week key")
	}
}

func TestDeriveKeys_PhraseMatch(t *testing.T) {
	phrases := []PhraseWindow{
		{Name: "morning", StartHour: 5, EndHour: 11},
		{Name: "night", StartHour: 21, EndHour: 4},
	}
	morning := DeriveKeys("s", "e", time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC), phrases)
	if morning.Phrase != "morning" {
		t.Errorf("Phrase = %q, want morning", morning.Phrase)
	}

	night := DeriveKeys("s", "e", time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC), phrases)
	if night.Phrase != "night" {
		t.Errorf("Phrase = %q, want night (wraps past midnight)", night.Phrase)
	}

	wrappedEarly := DeriveKeys("s", "e", time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC), phrases)
	if wrappedEarly.Phrase != "night" {
		t.Errorf("Phrase = %q, want night for early-morning hours in the wrap window", wrappedEarly.Phrase)
	}
}

func TestDeriveKeys_NoPhraseMatch(t *testing.T) {
	phrases := []PhraseWindow{{Name: "morning", StartHour: 5, EndHour: 11}}
	k := DeriveKeys("s", "e", time.Date(2026, 1, 1, 15, 0, 0, 0, time.UTC), phrases)
	if k.Phrase != "" {
		t.Errorf("Phrase = %q, want empty", k.Phrase)
	}
}
