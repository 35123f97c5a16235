package model

import (
	"fmt"
	"time"

	"github.com/jmerrifield20/scantotrust/internal/digest"
)

const dayLayout = "2006-01-02"

// Day is a calendar date (YYYY-MM-DD) in the anchoring time zone.
type Day string

// DayOf returns the calendar day of t in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	return Day(t.In(loc).Format(dayLayout))
}

// ParseDay validates a YYYY-MM-DD string.
func ParseDay(s string) (Day, error) {
	if _, err := time.Parse(dayLayout, s); err != nil {
		return "", fmt.Errorf("%w: day must be YYYY-MM-DD: %q", ErrInvalidInput, s)
	}
	return Day(s), nil
}

// Bounds returns the half-open interval [start, end) the day covers in loc.
func (d Day) Bounds(loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(dayLayout, string(d), loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: day must be YYYY-MM-DD: %q", ErrInvalidInput, d)
	}
	return start, start.AddDate(0, 0, 1), nil
}

// Prev returns the previous calendar day.
func (d Day) Prev() Day {
	t, err := time.Parse(dayLayout, string(d))
	if err != nil {
		return d
	}
	return Day(t.AddDate(0, 0, -1).Format(dayLayout))
}

func (d Day) String() string { return string(d) }

// DayRoot is the anchored Merkle root of one day's events.
type DayRoot struct {
	Day        Day           `json:"day"`
	Root       digest.Digest `json:"root"`
	Leaves     int           `json:"leaves"`
	TxRef      *string       `json:"tx_ref"`
	AnchoredAt time.Time     `json:"anchored_at"`
}
