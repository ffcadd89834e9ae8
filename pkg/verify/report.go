package verify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
)

func newReportID(subjectID string, now time.Time) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(subjectID+"@"+now.Format(time.RFC3339Nano))).String()
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// ReportName returns the file name for a report:
// review-<subject>-<timestamp>.json.
func ReportName(r *Report) string {
	subject := unsafeName.ReplaceAllString(r.SubjectID, "_")
	return fmt.Sprintf("review-%s-%s.json", subject, r.GeneratedAt.UTC().Format("20060102T150405Z"))
}

// WriteReport writes r as indented JSON into dir and returns the file path.
func WriteReport(dir string, r *Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	path := filepath.Join(dir, ReportName(r))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", path, err)
	}
	if r.SubjectID == "" {
		return nil, fmt.Errorf("report %s has no subject_id", path)
	}
	return &r, nil
}
