package store

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/fortuna/nhlcrawler/internal/ingest/nhl"
)

// SchemaVersion identifies the CSV column contract below. Bump it when the
// columns change.
const SchemaVersion = "v1"

// Columns is the fixed column order of a stored record set.
var Columns = []string{"player_id", "current_team_name", "full_name", "assists", "goals", "side"}

// EncodeRecordSet renders records as CSV in Columns order. The header row is
// optional; consumers that load into a fixed table schema expect none.
func EncodeRecordSet(records []nhl.SkaterRecord, header bool) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if header {
		if err := w.Write(Columns); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	row := make([]string, len(Columns))
	for _, rec := range records {
		row[0] = strconv.FormatInt(rec.PlayerID, 10)
		row[1] = rec.CurrentTeamName
		row[2] = rec.FullName
		row[3] = strconv.Itoa(rec.Assists)
		row[4] = strconv.Itoa(rec.Goals)
		row[5] = string(rec.Side)
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write record %d: %w", rec.PlayerID, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeRecordSet parses CSV written by EncodeRecordSet.
func DecodeRecordSet(data []byte, header bool) ([]nhl.SkaterRecord, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = len(Columns)

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if header && len(rows) > 0 {
		rows = rows[1:]
	}

	records := make([]nhl.SkaterRecord, 0, len(rows))
	for i, row := range rows {
		id, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d player_id: %w", i, err)
		}
		assists, err := strconv.Atoi(row[3])
		if err != nil {
			return nil, fmt.Errorf("row %d assists: %w", i, err)
		}
		goals, err := strconv.Atoi(row[4])
		if err != nil {
			return nil, fmt.Errorf("row %d goals: %w", i, err)
		}
		records = append(records, nhl.SkaterRecord{
			PlayerID:        id,
			CurrentTeamName: row[1],
			FullName:        row[2],
			Assists:         assists,
			Goals:           goals,
			Side:            nhl.Side(row[5]),
		})
	}

	return records, nil
}
