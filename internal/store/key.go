package store

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/fortuna/nhlcrawler/internal/ingest/nhl"
)

// KeyLayout selects how object keys are composed.
type KeyLayout string

const (
	// LayoutFlat stores every game at {prefix}{gameID}.csv.
	LayoutFlat KeyLayout = "flat"
	// LayoutSeason partitions by the season and game type encoded in NHL game
	// ids: {prefix}season=2019/type=03/2019030121.csv.
	LayoutSeason KeyLayout = "season"
)

// ParseKeyLayout validates a configured layout name.
func ParseKeyLayout(s string) (KeyLayout, error) {
	switch KeyLayout(strings.ToLower(strings.TrimSpace(s))) {
	case "", LayoutFlat:
		return LayoutFlat, nil
	case LayoutSeason:
		return LayoutSeason, nil
	default:
		return "", fmt.Errorf("unknown key layout %q (want flat or season)", s)
	}
}

// KeyDeriver renders storage keys. Keys depend only on the game id so a
// re-run, or a game that moved dates, lands on the same object.
type KeyDeriver struct {
	Prefix string
	Layout KeyLayout
}

// NewKeyDeriver normalizes prefix to end in "/" when non-empty.
func NewKeyDeriver(prefix string, layout KeyLayout) KeyDeriver {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix != "" {
		prefix += "/"
	}
	if layout == "" {
		layout = LayoutFlat
	}
	return KeyDeriver{Prefix: prefix, Layout: layout}
}

// Derive returns the key for a game. PathEscape keeps the mapping injective
// and stops ids from introducing path segments.
func (d KeyDeriver) Derive(ref nhl.GameReference) string {
	name := url.PathEscape(ref.GameID) + ".csv"

	if d.Layout == LayoutSeason {
		season, gameType := "unknown", "unknown"
		if isNHLGameID(ref.GameID) {
			season, gameType = ref.GameID[:4], ref.GameID[4:6]
		}
		return fmt.Sprintf("%sseason=%s/type=%s/%s", d.Prefix, season, gameType, name)
	}

	return d.Prefix + name
}

// isNHLGameID matches the 10-digit SSSSTTNNNN form.
func isNHLGameID(id string) bool {
	if len(id) != 10 {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
