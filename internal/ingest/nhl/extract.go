package nhl

import "strings"

// SkipReason says why a roster entry produced no record.
type SkipReason string

const (
	SkipMalformedEntry  SkipReason = "malformed_entry"
	SkipNoSkaterStats   SkipReason = "no_skater_stats"
	SkipMissingIdentity SkipReason = "missing_identity"
	SkipMissingStat     SkipReason = "missing_stat"
)

// SkippedEntry describes a roster entry the extractor dropped.
type SkippedEntry struct {
	GameID string
	Side   Side
	Key    string
	Reason SkipReason
	Detail string
}

// Warning reports whether the skip points at bad upstream data rather than a
// goalie or a player without stats.
func (s SkippedEntry) Warning() bool {
	return s.Reason != SkipNoSkaterStats
}

// Extraction is the result of ExtractSkaters.
type Extraction struct {
	Records []SkaterRecord
	Skipped []SkippedEntry
}

// Warnings returns the skipped entries that indicate malformed data.
func (e Extraction) Warnings() []SkippedEntry {
	var out []SkippedEntry
	for _, s := range e.Skipped {
		if s.Warning() {
			out = append(out, s)
		}
	}
	return out
}

// ExtractSkaters flattens a box score into skater records: away roster
// first, then home, each in roster order. Goalies and entries without skater
// stats are skipped silently; entries with missing identity or stats are
// skipped and reported.
func ExtractSkaters(box *BoxScore, gameID string) Extraction {
	var out Extraction
	if box == nil {
		return out
	}

	for _, side := range []struct {
		side Side
		team *TeamBox
	}{
		{SideAway, box.Teams.Away},
		{SideHome, box.Teams.Home},
	} {
		if side.team == nil {
			continue
		}
		for _, entry := range side.team.Players {
			record, skip := decodeEntry(entry, side.side)
			if skip != nil {
				skip.GameID = gameID
				out.Skipped = append(out.Skipped, *skip)
				continue
			}
			out.Records = append(out.Records, record)
		}
	}

	return out
}

func decodeEntry(entry RosterEntry, side Side) (SkaterRecord, *SkippedEntry) {
	skip := func(reason SkipReason, detail string) (SkaterRecord, *SkippedEntry) {
		return SkaterRecord{}, &SkippedEntry{Side: side, Key: entry.Key, Reason: reason, Detail: detail}
	}

	var wire playerEntryWire
	if err := json.Unmarshal(entry.Raw, &wire); err != nil {
		return skip(SkipMalformedEntry, err.Error())
	}

	if wire.Stats == nil || wire.Stats.SkaterStats == nil {
		return skip(SkipNoSkaterStats, "")
	}

	person := wire.Person
	var missing []string
	switch {
	case person == nil:
		missing = append(missing, "person")
	default:
		if person.ID == nil {
			missing = append(missing, "person.id")
		}
		if person.FullName == nil || strings.TrimSpace(*person.FullName) == "" {
			missing = append(missing, "person.fullName")
		}
		if person.CurrentTeam == nil || person.CurrentTeam.Name == nil {
			missing = append(missing, "person.currentTeam.name")
		}
	}
	if len(missing) > 0 {
		return skip(SkipMissingIdentity, strings.Join(missing, ","))
	}

	stats := wire.Stats.SkaterStats
	if stats.Assists == nil || stats.Goals == nil {
		var fields []string
		if stats.Assists == nil {
			fields = append(fields, "assists")
		}
		if stats.Goals == nil {
			fields = append(fields, "goals")
		}
		return skip(SkipMissingStat, strings.Join(fields, ","))
	}

	return SkaterRecord{
		PlayerID:        *person.ID,
		CurrentTeamName: *person.CurrentTeam.Name,
		FullName:        *person.FullName,
		Assists:         *stats.Assists,
		Goals:           *stats.Goals,
		Side:            side,
	}, nil
}
