package policy

import (
	"fmt"
	"time"
)

// Season is a date range with a demand multiplier.
// Recurring seasons repeat every year and may wrap the year end.
type Season struct {
	Name       string
	Multiplier float64
	recurring  bool
	// Recurring bounds are month*100+day; absolute bounds are yyyymmdd.
	start, end int
}

// ParseSeason builds a season from "MM-DD" (recurring) or "YYYY-MM-DD" (absolute) bounds.
// Both bounds are inclusive and must use the same form.
func ParseSeason(name, start, end string, multiplier float64) (Season, error) {
	if multiplier <= 0 {
		return Season{}, fmt.Errorf("season %q: multiplier must be positive", name)
	}
	s, sRec, err := parseSeasonDate(start)
	if err != nil {
		return Season{}, fmt.Errorf("season %q: start: %w", name, err)
	}
	e, eRec, err := parseSeasonDate(end)
	if err != nil {
		return Season{}, fmt.Errorf("season %q: end: %w", name, err)
	}
	if sRec != eRec {
		return Season{}, fmt.Errorf("season %q: start and end must both be MM-DD or both YYYY-MM-DD", name)
	}
	if !sRec && s > e {
		return Season{}, fmt.Errorf("season %q: start %s is after end %s", name, start, end)
	}
	return Season{Name: name, Multiplier: multiplier, recurring: sRec, start: s, end: e}, nil
}

func parseSeasonDate(v string) (int, bool, error) {
	switch len(v) {
	case len("01-02"):
		// 2024 is a leap year so "02-29" parses.
		t, err := time.Parse("2006-01-02", "2024-"+v)
		if err != nil {
			return 0, false, fmt.Errorf("invalid date %q, want MM-DD", v)
		}
		return int(t.Month())*100 + t.Day(), true, nil
	case len("2006-01-02"):
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return 0, false, fmt.Errorf("invalid date %q, want YYYY-MM-DD", v)
		}
		return t.Year()*10000 + int(t.Month())*100 + t.Day(), false, nil
	default:
		return 0, false, fmt.Errorf("invalid date %q, want MM-DD or YYYY-MM-DD", v)
	}
}

// Contains reports whether the calendar date of t falls inside the season.
func (s Season) Contains(t time.Time) bool {
	if !s.recurring {
		d := t.Year()*10000 + int(t.Month())*100 + t.Day()
		return d >= s.start && d <= s.end
	}
	md := int(t.Month())*100 + t.Day()
	if s.start <= s.end {
		return md >= s.start && md <= s.end
	}
	return md >= s.start || md <= s.end
}

// SeasonalMultiplier returns the multiplier of the first season containing t, or 1.0.
func SeasonalMultiplier(seasons []Season, t time.Time) (float64, string) {
	for _, s := range seasons {
		if s.Contains(t) {
			return s.Multiplier, s.Name
		}
	}
	return 1.0, ""
}
