// Package state persists the daemon's working state: a single JSON snapshot
// holding every event, the device observation caches, planned maintenance
// windows, flap tracking and collected addresses. The snapshot is what a
// warm standby copies to take over.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/dantte-lp/gozino/internal/device"
	"github.com/dantte-lp/gozino/internal/event"
	"github.com/dantte-lp/gozino/internal/flap"
	"github.com/dantte-lp/gozino/internal/pm"
)

// Snapshot is the on-disk document. Unknown fields in a loaded file are
// ignored so older and newer snapshots stay interchangeable.
type Snapshot struct {
	Events              []*event.Event           `json:"events"`
	Devices             map[string]*device.State `json:"devices"`
	PlannedMaintenances []*pm.PM                 `json:"planned_maintenances"`
	Flapping            []flap.PortEntry         `json:"flapping"`
	Addresses           map[string][]netip.Addr  `json:"addresses"`
	LastEventID         int                      `json:"last_event_id"`
	LastPMID            int                      `json:"last_pm_id"`
}

// Persister collects snapshots from the live stores and writes them to one
// file via atomic replace.
type Persister struct {
	path   string
	period time.Duration
	logger *slog.Logger

	events   *event.Store
	registry *device.Registry
	pms      *pm.Store
	flaps    *flap.Tracker
}

// NewPersister returns a persister writing to path every period.
func NewPersister(path string, period time.Duration, logger *slog.Logger,
	events *event.Store, registry *device.Registry, pms *pm.Store, flaps *flap.Tracker) *Persister {
	return &Persister{
		path:     path,
		period:   period,
		logger:   logger,
		events:   events,
		registry: registry,
		pms:      pms,
		flaps:    flaps,
	}
}

// Collect assembles a snapshot from the live stores. Every store hands out
// deep copies under its own lock, so the caller can serialize the result
// without blocking pollers or protocol sessions.
func (p *Persister) Collect() *Snapshot {
	pms, lastPMID := p.pms.Snapshot()
	return &Snapshot{
		Events:              p.events.AllEvents(),
		Devices:             p.registry.StateSnapshot(),
		PlannedMaintenances: pms,
		Flapping:            p.flaps.Snapshot(),
		Addresses:           p.registry.AddressMap(),
		LastEventID:         p.events.LastID(),
		LastPMID:            lastPMID,
	}
}

// Save writes a snapshot: marshal, write to a temp file in the same
// directory, fsync, rename over the target. A crash mid-write leaves the
// previous snapshot intact.
func (p *Persister) Save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state snapshot: %w", err)
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(p.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Dump collects and saves in one step.
func (p *Persister) Dump() error {
	return p.Save(p.Collect())
}

// Load reads a snapshot file. A missing file is not an error; it returns a
// nil snapshot, meaning cold start.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state snapshot: %w", err)
	}

	snap := &Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("parse state snapshot %s: %w", path, err)
	}
	return snap, nil
}

// Restore seeds the live stores from a loaded snapshot. Call before the
// scheduler starts; registry imports skip devices the pollfile no longer
// lists.
func (p *Persister) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}
	p.events.Import(snap.Events, snap.LastEventID)
	p.registry.ImportStates(snap.Devices)
	p.registry.ImportAddresses(snap.Addresses)
	p.pms.Import(snap.PlannedMaintenances, snap.LastPMID)
	p.flaps.Import(snap.Flapping)
	p.logger.Info("state snapshot restored",
		slog.Int("events", len(snap.Events)),
		slog.Int("devices", len(snap.Devices)),
		slog.Int("pms", len(snap.PlannedMaintenances)),
		slog.Int("last_event_id", snap.LastEventID))
}

// Run dumps the snapshot every period until ctx is done, then writes one
// final snapshot on the way out. A failed write keeps the previous file and
// is retried next cycle.
func (p *Persister) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := p.Dump(); err != nil {
				p.logger.Error("final state dump failed", slog.Any("error", err))
				return err
			}
			p.logger.Info("final state snapshot written", slog.String("file", p.path))
			return ctx.Err()
		case <-ticker.C:
			if err := p.Dump(); err != nil {
				p.logger.Error("state dump failed, keeping previous snapshot",
					slog.Any("error", err))
				continue
			}
			p.logger.Debug("state snapshot written", slog.String("file", p.path))
		}
	}
}
