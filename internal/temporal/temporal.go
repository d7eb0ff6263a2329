// Package temporal implements the temporal index key derivation and the
// canonical recency score shared by every component that ranks events
// by time (spec §4.9).
package temporal

import (
	"fmt"
	"math"
	"time"
)

// DefaultHalfLife is the recency half-life used when no override is
// configured (spec §4.9, §6.5): 72 hours.
const DefaultHalfLife = 72 * time.Hour

// Keys holds the derived index keys for one event timestamp.
type Keys struct {
	SpaceID string
	EventID string
	Day     string // YYYY-MM-DD
	Hour    string // YYYY-MM-DDTHH
	Week    string // YYYY-Www
	Phrase  string // e.g. "morning"; empty if ts matches no configured phrase
}

// PhraseWindow is a named time-of-day window used to derive the
// optional phrase key (e.g. "morning" => 05:00-11:59).
type PhraseWindow struct {
	Name      string
	StartHour int // inclusive, 0-23
	EndHour   int // inclusive, 0-23; may wrap past midnight (e.g. night: 21-4)
}

// DeriveKeys computes the day/hour/week/phrase index keys for an event
// at ts (spec §4.9). phrases is consulted in order; the first matching
// window wins. A nil or empty phrases slice yields an empty Phrase.
func DeriveKeys(spaceID, eventID string, ts time.Time, phrases []PhraseWindow) Keys {
	ts = ts.UTC()
	year, week := ts.ISOWeek()

	k := Keys{
		SpaceID: spaceID,
		EventID: eventID,
		Day:     ts.Format("2006-01-02"),
		Hour:    ts.Format("2006-01-02T15"),
		Week:    fmt.Sprintf("%04d-W%02d", year, week),
	}

	hour := ts.Hour()
	for _, p := range phrases {
		if matchesHourWindow(hour, p.StartHour, p.EndHour) {
			k.Phrase = p.Name
			break
		}
	}
	return k
}

func matchesHourWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour <= end
	}
	// Wraps past midnight, e.g. night: 21-4.
	return hour >= start || hour <= end
}

// Recency computes the canonical recency score for an elapsed duration:
// s_recency(Δt) = 2^(-Δt/h). This is the one formula every ranking
// component (recall, learning, segmentation density) must call rather
// than reimplement (spec §4.9).
//
// Recency(0) == 1. Recency is undefined (returns 0) for a half-life
// that is zero or negative.
func Recency(elapsed time.Duration, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 0
	}
	if elapsed < 0 {
		elapsed = 0
	}
	exponent := -float64(elapsed) / float64(halfLife)
	return math.Pow(2, exponent)
}

// RecencyAt is a convenience wrapper computing Recency(now.Sub(ts), halfLife).
func RecencyAt(ts, now time.Time, halfLife time.Duration) float64 {
	return Recency(now.Sub(ts), halfLife)
}
