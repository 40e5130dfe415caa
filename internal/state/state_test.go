package state

import (
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dantte-lp/gozino/internal/config"
	"github.com/dantte-lp/gozino/internal/device"
	"github.com/dantte-lp/gozino/internal/event"
	"github.com/dantte-lp/gozino/internal/flap"
	"github.com/dantte-lp/gozino/internal/pm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stores struct {
	events   *event.Store
	registry *device.Registry
	pms      *pm.Store
	flaps    *flap.Tracker
}

func newStores() stores {
	registry := device.NewRegistry()
	registry.Update([]config.PollDevice{{
		Name:     "uplink-gw",
		Address:  netip.MustParseAddr("10.0.0.1"),
		Interval: 5 * time.Minute,
	}})
	return stores{
		events:   event.NewStore(),
		registry: registry,
		pms:      pm.NewStore(),
		flaps: flap.NewTracker(config.FlappingConfig{
			Window:        5 * time.Minute,
			ThresholdHigh: 3,
			ThresholdLow:  1,
			StabilizeTime: 2 * time.Minute,
		}),
	}
}

func newPersister(t *testing.T, s stores) *Persister {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zino-state.json")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPersister(path, time.Minute, logger, s.events, s.registry, s.pms, s.flaps)
}

func seed(t *testing.T, s stores) (eventID, pmID int) {
	t.Helper()

	ev, _ := s.events.GetOrCreate("uplink-gw", "42", event.TypePortState)
	ev.Port = "ge-1/0/10"
	ev.PortState = device.PortDown
	if err := s.events.Commit(ev); err != nil {
		t.Fatal(err)
	}

	pmID, err := s.pms.Add(time.Now().Add(time.Hour), time.Now().Add(2*time.Hour),
		pm.TargetPortState, pm.MatchIntfRegexp, "^ge-", "uplink-gw")
	if err != nil {
		t.Fatal(err)
	}

	s.flaps.Transition("uplink-gw", 42, true)
	s.flaps.Transition("uplink-gw", 42, false)

	st := s.registry.StateFor("uplink-gw")
	st.Vendor = device.VendorJuniper
	st.Ports[42] = &device.Port{Index: 42, Descr: "ge-1/0/10", OperStatus: device.PortDown}
	s.registry.SetAddresses("uplink-gw", []netip.Addr{netip.MustParseAddr("198.51.100.7")})

	return ev.ID, pmID
}

func TestSnapshotRoundTrip(t *testing.T) {
	src := newStores()
	eventID, pmID := seed(t, src)

	p := newPersister(t, src)
	if err := p.Dump(); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	snap, err := Load(p.path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap == nil {
		t.Fatal("Load returned nil for an existing snapshot")
	}
	if snap.LastEventID != eventID {
		t.Errorf("last_event_id = %d, want %d", snap.LastEventID, eventID)
	}

	dst := newStores()
	restored := NewPersister(p.path, time.Minute, p.logger,
		dst.events, dst.registry, dst.pms, dst.flaps)
	restored.Restore(snap)

	ev, err := dst.events.Get(eventID)
	if err != nil {
		t.Fatalf("restored event: %v", err)
	}
	if ev.Port != "ge-1/0/10" || ev.State != event.StateOpen {
		t.Errorf("restored event = port %q state %s", ev.Port, ev.State)
	}

	gotPM, err := dst.pms.Get(pmID)
	if err != nil {
		t.Fatalf("restored pm: %v", err)
	}
	if gotPM.MatchExpr != "^ge-" || gotPM.MatchDevice != "uplink-gw" {
		t.Errorf("restored pm = %+v", gotPM)
	}

	if got := dst.flaps.Snapshot(); len(got) != 1 || got[0].Flaps != 2 {
		t.Errorf("restored flap entries = %+v", got)
	}

	st := dst.registry.StateFor("uplink-gw")
	if st.Vendor != device.VendorJuniper {
		t.Errorf("restored vendor = %q", st.Vendor)
	}
	if port, ok := st.Ports[42]; !ok || port.Descr != "ge-1/0/10" {
		t.Errorf("restored ports = %+v", st.Ports)
	}
	if name, ok := dst.registry.ResolveAddress(netip.MustParseAddr("198.51.100.7")); !ok || name != "uplink-gw" {
		t.Errorf("collected address did not survive the round trip: %q %v", name, ok)
	}
}

func TestEventIDMonotoneAcrossRestore(t *testing.T) {
	src := newStores()
	eventID, _ := seed(t, src)
	p := newPersister(t, src)
	if err := p.Dump(); err != nil {
		t.Fatal(err)
	}
	snap, err := Load(p.path)
	if err != nil {
		t.Fatal(err)
	}

	dst := newStores()
	NewPersister(p.path, time.Minute, p.logger,
		dst.events, dst.registry, dst.pms, dst.flaps).Restore(snap)

	ev, created := dst.events.GetOrCreate("uplink-gw", "", event.TypeReachability)
	if !created {
		t.Fatal("fresh key did not create an event")
	}
	if ev.ID <= eventID {
		t.Errorf("new event id %d is not past restored last id %d", ev.ID, eventID)
	}
}

func TestRestoreSkipsRemovedDevices(t *testing.T) {
	src := newStores()
	seed(t, src)
	p := newPersister(t, src)
	if err := p.Dump(); err != nil {
		t.Fatal(err)
	}
	snap, err := Load(p.path)
	if err != nil {
		t.Fatal(err)
	}

	dst := newStores()
	dst.registry.Update([]config.PollDevice{{
		Name:     "other-gw",
		Address:  netip.MustParseAddr("10.0.0.2"),
		Interval: 5 * time.Minute,
	}})
	NewPersister(p.path, time.Minute, p.logger,
		dst.events, dst.registry, dst.pms, dst.flaps).Restore(snap)

	if st := dst.registry.StateFor("uplink-gw"); st != nil {
		t.Error("state restored for a device no longer in the pollfile")
	}
}

func TestLoadMissingFileIsColdStart(t *testing.T) {
	snap, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load(missing) = %v", err)
	}
	if snap != nil {
		t.Error("missing file produced a snapshot")
	}
}

func TestLoadToleratesUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	doc := `{"events": [], "last_event_id": 7, "future_section": {"x": 1}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.LastEventID != 7 {
		t.Errorf("last_event_id = %d, want 7", snap.LastEventID)
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("corrupt snapshot loaded without error")
	}
}

func TestSaveReplacesAtomically(t *testing.T) {
	s := newStores()
	p := newPersister(t, s)
	if err := p.Dump(); err != nil {
		t.Fatal(err)
	}
	seed(t, s)
	if err := p.Dump(); err != nil {
		t.Fatal(err)
	}

	snap, err := Load(p.path)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Events) != 1 {
		t.Errorf("second dump has %d events, want 1", len(snap.Events))
	}
	entries, err := os.ReadDir(filepath.Dir(p.path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("snapshot dir has %d entries, want only the snapshot", len(entries))
	}
}
