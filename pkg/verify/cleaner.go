package verify

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/elonfeng/polieval/internal/store"
	"github.com/elonfeng/polieval/pkg/metrics"
)

// ErrNotConfirmed is returned when Clean is called without confirmation.
var ErrNotConfirmed = errors.New("deletion not confirmed")

// ItemDeleter is the part of the store the cleaner needs.
type ItemDeleter interface {
	DeleteItems(ctx context.Context, dels []store.Deletion) (int, error)
}

// Cleaner removes items flagged in a reviewed report.
type Cleaner struct {
	store  ItemDeleter
	logger *zap.Logger
}

// NewCleaner creates a Cleaner.
func NewCleaner(s ItemDeleter, logger *zap.Logger) *Cleaner {
	return &Cleaner{store: s, logger: logger.With(zap.String("component", "cleaner"))}
}

// Clean deletes exactly the items flagged in report, recording one audit row
// each. Without confirm nothing is touched and ErrNotConfirmed is returned.
func (c *Cleaner) Clean(ctx context.Context, report *Report, confirm bool) (int, error) {
	if !confirm {
		return 0, ErrNotConfirmed
	}

	reasons := make(map[string][]string)
	for _, f := range report.Findings {
		reasons[f.ItemID] = append(reasons[f.ItemID], string(f.Reason))
	}

	now := time.Now().UTC()
	dels := make([]store.Deletion, 0, len(reasons))
	for _, id := range report.Flagged() {
		rs := reasons[id]
		sort.Strings(rs)
		dels = append(dels, store.Deletion{
			ItemID:    id,
			SubjectID: report.SubjectID,
			ReportID:  report.ID,
			Reason:    strings.Join(rs, ","),
			DeletedAt: now,
		})
	}
	if len(dels) == 0 {
		return 0, nil
	}

	n, err := c.store.DeleteItems(ctx, dels)
	metrics.RecordItemsDeleted(n)
	if err != nil {
		return n, err
	}
	c.logger.Info("cleaned",
		zap.String("subject", report.SubjectID),
		zap.String("report", report.ID),
		zap.Int("flagged", len(dels)),
		zap.Int("deleted", n))
	return n, nil
}
