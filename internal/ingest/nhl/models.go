package nhl

import (
	"fmt"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
)

const dateLayout = "2006-01-02"

// DateRange is an inclusive range of calendar dates.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange truncates both ends to UTC calendar dates and rejects ranges
// whose start is after the end.
func NewDateRange(start, end time.Time) (DateRange, error) {
	r := DateRange{Start: truncateDate(start), End: truncateDate(end)}
	if r.Start.After(r.End) {
		return DateRange{}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidDateRange, r.Start.Format(dateLayout), r.End.Format(dateLayout))
	}
	return r, nil
}

// ParseDateRange parses two YYYY-MM-DD strings.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse(dateLayout, start)
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: start date %q: %v", ErrInvalidDateRange, start, err)
	}
	e, err := time.Parse(dateLayout, end)
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: end date %q: %v", ErrInvalidDateRange, end, err)
	}
	return NewDateRange(s, e)
}

// Contains reports whether the calendar date of t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	d := truncateDate(t)
	return !d.Before(r.Start) && !d.After(r.End)
}

func (r DateRange) String() string {
	return r.Start.Format(dateLayout) + ".." + r.End.Format(dateLayout)
}

func truncateDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// GameReference identifies one scheduled game.
type GameReference struct {
	GameID    string
	EventDate time.Time
}

// ScheduleDate is one dated group of games as returned by the schedule endpoint.
type ScheduleDate struct {
	Date  time.Time
	Games []GameReference
}

// Side tags which roster a record came from.
type Side string

const (
	SideAway Side = "away"
	SideHome Side = "home"
)

// SkaterRecord is one skater's line for one game.
type SkaterRecord struct {
	PlayerID        int64
	CurrentTeamName string
	FullName        string
	Assists         int
	Goals           int
	Side            Side
}

// GameRecordSet holds a game's skater records, away side first.
type GameRecordSet struct {
	Game    GameReference
	Records []SkaterRecord
}

// Wire shapes for the stats API.

// Dates is a pointer so a body without the field is told apart from an
// empty schedule.
type scheduleResponse struct {
	Dates *[]scheduleDateWire `json:"dates"`
}

type scheduleDateWire struct {
	Date  string             `json:"date"`
	Games []scheduleGameWire `json:"games"`
}

type scheduleGameWire struct {
	GamePk int64 `json:"gamePk"`
}

// BoxScore is the decoded box-score tree. Only the parts the extractor reads
// are typed; each player entry is kept raw so a bad entry cannot fail the
// whole document.
type BoxScore struct {
	Teams BoxScoreTeams `json:"teams"`
}

// BoxScoreTeams holds both sides of a box score.
type BoxScoreTeams struct {
	Away *TeamBox `json:"away"`
	Home *TeamBox `json:"home"`
}

// TeamBox is one side of a box score.
type TeamBox struct {
	Players Roster `json:"players"`
}

// RosterEntry is one undecoded player entry keyed by its roster key (e.g. "ID8471214").
type RosterEntry struct {
	Key string
	Raw []byte
}

// Roster is the players object of a team, in document order.
type Roster []RosterEntry

// UnmarshalJSON keeps the object's key order, which a Go map would lose.
func (r *Roster) UnmarshalJSON(data []byte) error {
	iter := jsoniter.ConfigCompatibleWithStandardLibrary.BorrowIterator(data)
	defer jsoniter.ConfigCompatibleWithStandardLibrary.ReturnIterator(iter)

	if iter.WhatIsNext() == jsoniter.NilValue {
		iter.ReadNil()
		*r = nil
		return nil
	}
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		return fmt.Errorf("players: expected object")
	}

	entries := Roster{}
	iter.ReadMapCB(func(it *jsoniter.Iterator, key string) bool {
		raw := it.SkipAndReturnBytes()
		entries = append(entries, RosterEntry{Key: key, Raw: append([]byte(nil), raw...)})
		return it.Error == nil
	})
	if iter.Error != nil && iter.Error != io.EOF {
		return fmt.Errorf("players: %w", iter.Error)
	}

	*r = entries
	return nil
}

type playerEntryWire struct {
	Person *personWire `json:"person"`
	Stats  *statsWire  `json:"stats"`
}

type personWire struct {
	ID          *int64           `json:"id"`
	FullName    *string          `json:"fullName"`
	CurrentTeam *currentTeamWire `json:"currentTeam"`
}

type currentTeamWire struct {
	Name *string `json:"name"`
}

type statsWire struct {
	SkaterStats *skaterStatsWire `json:"skaterStats"`
}

type skaterStatsWire struct {
	Assists *int `json:"assists"`
	Goals   *int `json:"goals"`
}
