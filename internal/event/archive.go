package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// sweepInterval is how often the archival sweep looks for expired closed
// events.
const sweepInterval = time.Minute

// Archiver writes expired closed events to the date-sharded on-disk
// archive: <dir>/YYYY/MM/DD/<id>.json, sharded by close date.
type Archiver struct {
	dir    string
	logger *slog.Logger
}

// NewArchiver returns an archiver rooted at dir.
func NewArchiver(dir string, logger *slog.Logger) *Archiver {
	return &Archiver{dir: dir, logger: logger}
}

// Archive writes one event to its archive file.
func (a *Archiver) Archive(ev *Event) error {
	day := ev.Closed.UTC()
	dir := filepath.Join(a.dir,
		fmt.Sprintf("%04d", day.Year()),
		fmt.Sprintf("%02d", day.Month()),
		fmt.Sprintf("%02d", day.Day()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.ID, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.json", ev.ID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write archive file: %w", err)
	}
	return nil
}

// Run sweeps the store once a minute until ctx is done, archiving every
// expired closed event. Archive failures are logged; the event is gone from
// memory either way, matching the retention contract.
func (a *Archiver) Run(ctx context.Context, store *Store) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, ev := range store.Sweep(now) {
				if err := a.Archive(ev); err != nil {
					a.logger.Error("failed to archive event",
						slog.Int("id", ev.ID),
						slog.Any("error", err))
					continue
				}
				a.logger.Debug("archived expired event",
					slog.Int("id", ev.ID),
					slog.String("router", ev.Router))
			}
		}
	}
}
