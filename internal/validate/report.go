package validate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
)

type invalidReport struct {
	Summary struct {
		TotalInvalid int            `json:"total_invalid"`
		ErrorCounts  map[string]int `json:"error_counts"`
		Split        string         `json:"split"`
		GeneratedAt  time.Time      `json:"generated_at"`
	} `json:"summary"`
	InvalidRecords []RecordError `json:"invalid_records"`
}

// WriteInvalidReport saves the invalid records from a validation pass to
// a timestamped local JSON file for post-analysis. Returns the file path,
// or "" when there was nothing to report.
func WriteInvalidReport(res Result, dir, split string) (string, error) {
	if len(res.InvalidRecords) == 0 {
		return "", nil
	}

	var rep invalidReport
	rep.Summary.TotalInvalid = len(res.InvalidRecords)
	rep.Summary.ErrorCounts = res.ErrorCounts
	rep.Summary.Split = split
	rep.Summary.GeneratedAt = time.Now().UTC()
	rep.InvalidRecords = res.InvalidRecords

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "validate: marshal invalid report")
	}

	suffix := ""
	if split != "" {
		suffix = "_" + split
	}
	name := fmt.Sprintf("invalid_records%s_%s.json", suffix, rep.Summary.GeneratedAt.Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrapf(err, "validate: write %s", path)
	}
	return path, nil
}
