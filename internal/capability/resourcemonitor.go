package capability

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
)

// StoreDirSizer measures the total size on disk of the store root.
type StoreDirSizer func() (int64, error)

// RssSampler measures the process's current resident set size.
type RssSampler func() (int64, error)

// ThresholdResourceMonitor periodically compares store-directory bytes and
// process RSS against configured thresholds, returning Warnings the sync
// reporter surfaces (spec.md §4.8).
type ThresholdResourceMonitor struct {
	dirSize       StoreDirSizer
	rss           RssSampler
	maxStoreBytes int64
	maxRssBytes   int64
}

// NewThresholdResourceMonitor builds a monitor with the given thresholds.
func NewThresholdResourceMonitor(dirSize StoreDirSizer, rss RssSampler, maxStoreBytes, maxRssBytes int64) *ThresholdResourceMonitor {
	return &ThresholdResourceMonitor{dirSize: dirSize, rss: rss, maxStoreBytes: maxStoreBytes, maxRssBytes: maxRssBytes}
}

// Check implements ResourceMonitor.
func (m *ThresholdResourceMonitor) Check(ctx context.Context) ([]Warning, error) {
	var warnings []Warning

	if m.dirSize != nil {
		size, err := m.dirSize()
		if err != nil {
			return nil, fmt.Errorf("capability: measuring store directory size: %w", err)
		}
		if m.maxStoreBytes > 0 && size >= m.maxStoreBytes {
			warnings = append(warnings, Warning{
				Severity: SeverityCritical,
				Message:  "store directory size exceeds configured limit",
				Observed: size,
				Limit:    m.maxStoreBytes,
			})
		} else if m.maxStoreBytes > 0 && size >= (m.maxStoreBytes*8)/10 {
			warnings = append(warnings, Warning{
				Severity: SeverityWarning,
				Message:  "store directory size approaching configured limit",
				Observed: size,
				Limit:    m.maxStoreBytes,
			})
		}
	}

	if m.rss != nil {
		rss, err := m.rss()
		if err != nil {
			return nil, fmt.Errorf("capability: sampling process RSS: %w", err)
		}
		if m.maxRssBytes > 0 && rss >= m.maxRssBytes {
			warnings = append(warnings, Warning{
				Severity: SeverityCritical,
				Message:  "process RSS exceeds configured limit",
				Observed: rss,
				Limit:    m.maxRssBytes,
			})
		}
	}

	return warnings, nil
}

// DirSize walks root and sums regular file sizes, suitable as a
// StoreDirSizer for production wiring.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// ProcessRss returns a best-effort RSS sample using runtime.MemStats'
// Sys figure, a coarse but dependency-free proxy for resident memory (a
// precise cross-platform RSS reading needs a platform-specific syscall,
// out of scope for this capability's reference implementation).
func ProcessRss() (int64, error) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return int64(stats.Sys), nil
}
