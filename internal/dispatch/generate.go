// Package dispatch partitions a large ordered dataset into key ranges and fans
// the ranges out to a fixed pool of workers.
package dispatch

import (
	"cmp"
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/CommandPipe/internal/paginate"
)

// Range is an inclusive key interval handed to one worker.
type Range[K cmp.Ordered] struct {
	First K
	Last  K
}

// GenerateOptions bounds task generation.
type GenerateOptions struct {
	// BatchSize is the paginator window size. Defaults to paginate.DefaultBatchSize.
	BatchSize int
	// Deadline stops generation once passed. Zero means no deadline.
	Deadline time.Time
	// MaxTasks caps the number of ranges. Zero means no cap.
	MaxTasks int
}

// Generate walks src window by window and returns one Range per non-empty
// window, stopping at the deadline or after MaxTasks ranges.
func Generate[K cmp.Ordered, R any](ctx context.Context, src paginate.Source[K, R], opts GenerateOptions) ([]Range[K], error) {
	var ranges []Range[K]
	for w, err := range paginate.Windows(ctx, src, opts.BatchSize) {
		if err != nil {
			return ranges, err
		}
		ranges = append(ranges, Range[K]{First: w.First(), Last: w.Last()})
		if opts.MaxTasks > 0 && len(ranges) >= opts.MaxTasks {
			slog.Debug("dispatch.Generate: task cap reached", "tasks", len(ranges))
			break
		}
		if !opts.Deadline.IsZero() && !time.Now().Before(opts.Deadline) {
			slog.Debug("dispatch.Generate: deadline reached", "tasks", len(ranges))
			break
		}
	}
	return ranges, nil
}
