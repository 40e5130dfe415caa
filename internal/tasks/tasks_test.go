package tasks

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dantte-lp/gozino/internal/config"
	"github.com/dantte-lp/gozino/internal/device"
	"github.com/dantte-lp/gozino/internal/event"
	"github.com/dantte-lp/gozino/internal/flap"
	"github.com/dantte-lp/gozino/internal/pm"
	"github.com/dantte-lp/gozino/internal/scheduler"
	"github.com/dantte-lp/gozino/internal/snmp"
	"github.com/dantte-lp/gozino/internal/snmp/snmptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeResolver struct {
	names map[string][]string
}

func (f *fakeResolver) LookupAddr(_ context.Context, addr string) ([]string, error) {
	return f.names[addr], nil
}

type fixture struct {
	manager  *Manager
	fake     *snmptest.Fake
	registry *device.Registry
	events   *event.Store
	flaps    *flap.Tracker
	pms      *pm.Store
}

func newFixture(t *testing.T, dev config.PollDevice) *fixture {
	t.Helper()

	f := &fixture{
		fake:     snmptest.New(),
		registry: device.NewRegistry(),
		events:   event.NewStore(),
		flaps:    flap.NewTracker(config.DefaultConfig().Flapping),
		pms:      pm.NewStore(),
	}
	f.registry.Update([]config.PollDevice{dev})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f.manager = NewManager(Options{
		Registry:  f.registry,
		Events:    f.events,
		Flaps:     f.flaps,
		PMs:       f.pms,
		Scheduler: scheduler.New(time.Minute, logger),
		Logger:    logger,
		NewClient: func(config.PollDevice) (snmp.Client, error) {
			return f.fake, nil
		},
		Resolver: &fakeResolver{names: map[string][]string{
			"192.0.2.2": {"uplink-peer.example.org."},
		}},
	})
	return f
}

func testDevice() config.PollDevice {
	return config.PollDevice{
		Name:        "uplink-gw",
		Address:     netip.MustParseAddr("10.0.0.1"),
		Community:   "public",
		Interval:    5 * time.Minute,
		Priority:    100,
		Timeout:     time.Second,
		Retries:     1,
		Port:        161,
		SNMPVersion: "2c",
		DoBGP:       true,
	}
}

func (f *fixture) lookupEvent(t *testing.T, subindex string, typ event.Type) *event.Event {
	t.Helper()
	id, ok := f.events.Lookup("uplink-gw", subindex, typ)
	if !ok {
		t.Fatalf("no %s event for subindex %q", typ, subindex)
	}
	ev, err := f.events.Get(id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	return ev
}

// ---------------------------------------------------------------------------
// Reachability
// ---------------------------------------------------------------------------

func TestReachabilityFailureThreshold(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()

	f.fake.Err = context.DeadlineExceeded
	if err := f.manager.runReachable(ctx, "uplink-gw"); err != nil {
		t.Fatalf("first failed poll: %v", err)
	}
	if _, ok := f.events.Lookup("uplink-gw", "", event.TypeReachability); ok {
		t.Fatal("one failed poll should not open an event")
	}

	if err := f.manager.runReachable(ctx, "uplink-gw"); err != nil {
		t.Fatalf("second failed poll: %v", err)
	}
	st := f.registry.StateFor("uplink-gw")
	if !st.Unreachable {
		t.Error("device should be marked unreachable after the second failure")
	}
	ev := f.lookupEvent(t, "", event.TypeReachability)
	if got, want := ev.State, event.StateOpen; got != want {
		t.Errorf("event state = %s, want %s", got, want)
	}
	if got, want := ev.Reachability, event.NoResponse; got != want {
		t.Errorf("reachability = %s, want %s", got, want)
	}
}

func TestReachabilityRecovery(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()

	f.fake.Err = context.DeadlineExceeded
	f.manager.runReachable(ctx, "uplink-gw")
	f.manager.runReachable(ctx, "uplink-gw")

	f.fake.Err = nil
	f.fake.SetTicks(snmp.OIDSysUpTime, 360000)
	f.fake.SetOID(snmp.OIDSysObjectID, ".1.3.6.1.4.1.2636.1.1.1.2.31")
	if err := f.manager.runReachable(ctx, "uplink-gw"); err != nil {
		t.Fatalf("recovery poll: %v", err)
	}

	st := f.registry.StateFor("uplink-gw")
	if st.Unreachable {
		t.Error("device should be reachable again")
	}
	if got, want := st.Vendor, device.VendorJuniper; got != want {
		t.Errorf("vendor = %q, want %q", got, want)
	}
	ev := f.lookupEvent(t, "", event.TypeReachability)
	if got, want := ev.Reachability, event.Reachable; got != want {
		t.Errorf("reachability = %s, want %s", got, want)
	}
	if got, want := ev.LastEvent, "device is reachable"; got != want {
		t.Errorf("lastevent = %q, want %q", got, want)
	}
}

func TestReachabilityGatesOtherTasks(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()

	f.registry.StateFor("uplink-gw").Unreachable = true
	if err := f.manager.runLinkState(ctx, "uplink-gw"); err != nil {
		t.Fatalf("gated linkstate run: %v", err)
	}
	if len(f.fake.Walks) != 0 {
		t.Errorf("gated task performed %d walks, want 0", len(f.fake.Walks))
	}
}

// ---------------------------------------------------------------------------
// Link state
// ---------------------------------------------------------------------------

func (f *fixture) setInterface(ifindex string, descr, alias string, admin, oper int) {
	f.fake.SetStr(snmp.OIDIfDescr+"."+ifindex, descr)
	f.fake.SetStr(snmp.OIDIfAlias+"."+ifindex, alias)
	f.fake.SetInt(snmp.OIDIfAdminStatus+"."+ifindex, admin)
	f.fake.SetInt(snmp.OIDIfOperStatus+"."+ifindex, oper)
	f.fake.SetUint32(snmp.OIDIfLastChange+"."+ifindex, 12345)
}

func TestLinkStateTransition(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()

	f.setInterface("1", "ge-0/0/1", "customer uplink", 1, 1)
	if err := f.manager.runLinkState(ctx, "uplink-gw"); err != nil {
		t.Fatalf("seeding run: %v", err)
	}
	if _, ok := f.events.Lookup("uplink-gw", "1", event.TypePortState); ok {
		t.Fatal("an up interface on first sighting should not open an event")
	}

	f.fake.SetInt(snmp.OIDIfOperStatus+".1", 2)
	if err := f.manager.runLinkState(ctx, "uplink-gw"); err != nil {
		t.Fatalf("transition run: %v", err)
	}
	ev := f.lookupEvent(t, "1", event.TypePortState)
	if got, want := ev.PortState, device.PortDown; got != want {
		t.Errorf("portstate = %s, want %s", got, want)
	}
	if got, want := ev.Port, "ge-0/0/1"; got != want {
		t.Errorf("port = %q, want %q", got, want)
	}
	if got, want := ev.Descr, "customer uplink"; got != want {
		t.Errorf("descr = %q, want %q", got, want)
	}
	if got, want := ev.LastEvent, "changed state from up to down"; got != want {
		t.Errorf("lastevent = %q, want %q", got, want)
	}

	// The same reading again must not grow the log.
	logLen := len(ev.Log)
	if err := f.manager.runLinkState(ctx, "uplink-gw"); err != nil {
		t.Fatalf("steady-state run: %v", err)
	}
	ev = f.lookupEvent(t, "1", event.TypePortState)
	if len(ev.Log) != logLen {
		t.Errorf("steady state grew the log from %d to %d entries", logLen, len(ev.Log))
	}
}

func TestLinkStateAdminDownWins(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()

	f.setInterface("7", "xe-1/2/0", "transit", 1, 1)
	f.manager.runLinkState(ctx, "uplink-gw")

	f.fake.SetInt(snmp.OIDIfAdminStatus+".7", 2)
	f.fake.SetInt(snmp.OIDIfOperStatus+".7", 2)
	f.manager.runLinkState(ctx, "uplink-gw")

	ev := f.lookupEvent(t, "7", event.TypePortState)
	if got, want := ev.PortState, device.PortAdminDown; got != want {
		t.Errorf("portstate = %s, want %s", got, want)
	}
}

func TestLinkStateIgnorePattern(t *testing.T) {
	dev := testDevice()
	dev.WatchPat = mustCompile(t, "uplink")
	dev.IgnorePat = mustCompile(t, "test bench")
	f := newFixture(t, dev)
	ctx := context.Background()

	f.setInterface("1", "ge-0/0/1", "customer uplink", 1, 2)
	f.setInterface("2", "ge-0/0/2", "uplink test bench", 1, 2)
	f.setInterface("3", "ge-0/0/3", "lab port", 1, 2)
	f.manager.runLinkState(ctx, "uplink-gw")

	// Watched and down: tracked in the cache.
	st := f.registry.StateFor("uplink-gw")
	if _, ok := st.Ports[1]; !ok {
		t.Error("watched interface missing from cache")
	}
	// Ignore pattern wins over watch pattern.
	if _, ok := st.Ports[2]; ok {
		t.Error("ignored interface should not be cached")
	}
	// Not matching the watch pattern at all.
	if _, ok := st.Ports[3]; ok {
		t.Error("unwatched interface should not be cached")
	}
}

func TestLinkStateMaintenanceSuppression(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()
	now := time.Now()

	_, err := f.pms.Add(now.Add(-time.Hour), now.Add(time.Hour),
		pm.TargetPortState, pm.MatchIntfRegexp, "^ge-1/0/", "uplink-gw")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	f.setInterface("10", "ge-1/0/10", "peering", 1, 1)
	f.manager.runLinkState(ctx, "uplink-gw")
	f.fake.SetInt(snmp.OIDIfOperStatus+".10", 2)
	f.manager.runLinkState(ctx, "uplink-gw")

	ev := f.lookupEvent(t, "10", event.TypePortState)
	if got, want := ev.State, event.StateIgnored; got != want {
		t.Errorf("event state = %s, want %s", got, want)
	}
	found := false
	for _, entry := range ev.Log {
		if strings.Contains(entry.Text, "created during planned maintenance") {
			found = true
		}
	}
	if !found {
		t.Error("suppressed event log lacks the maintenance reference")
	}
}

func TestPollSingleInterface(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()

	f.setInterface("5", "ge-0/0/5", "exchange", 1, 1)
	f.manager.runLinkState(ctx, "uplink-gw")

	f.fake.SetInt(snmp.OIDIfOperStatus+".5", 2)
	if err := f.manager.pollSingleInterface(ctx, "uplink-gw", 5); err != nil {
		t.Fatalf("pollSingleInterface: %v", err)
	}
	ev := f.lookupEvent(t, "5", event.TypePortState)
	if got, want := ev.PortState, device.PortDown; got != want {
		t.Errorf("portstate = %s, want %s", got, want)
	}

	// A nonexistent interface is a quiet no-op.
	if err := f.manager.pollSingleInterface(ctx, "uplink-gw", 99); err != nil {
		t.Fatalf("pollSingleInterface on missing ifindex: %v", err)
	}
}

// ---------------------------------------------------------------------------
// BGP
// ---------------------------------------------------------------------------

func (f *fixture) setGeneralBGPPeer(ip string, state, admin int, as uint32, uptime uint32) {
	f.fake.SetInt(snmp.OIDBGPPeerState+"."+ip, state)
	f.fake.SetInt(snmp.OIDBGPPeerAdminStatus+"."+ip, admin)
	f.fake.SetUint32(snmp.OIDBGPPeerRemoteAS+"."+ip, as)
	f.fake.SetUint32(snmp.OIDBGPPeerFsmEstablished+"."+ip, uptime)
}

func TestBGPPeerDown(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()

	f.setGeneralBGPPeer("192.0.2.1", 6, 2, 64500, 3600)
	if err := f.manager.runBGP(ctx, "uplink-gw"); err != nil {
		t.Fatalf("seeding run: %v", err)
	}
	st := f.registry.StateFor("uplink-gw")
	if got, want := st.BGPStyle, "general"; got != want {
		t.Fatalf("bgp style = %q, want %q", got, want)
	}
	if _, ok := f.events.Lookup("uplink-gw", "192.0.2.1", event.TypeBGP); ok {
		t.Fatal("an established peer on first sighting should not open an event")
	}

	f.fake.SetInt(snmp.OIDBGPPeerState+".192.0.2.1", 1)
	if err := f.manager.runBGP(ctx, "uplink-gw"); err != nil {
		t.Fatalf("transition run: %v", err)
	}
	ev := f.lookupEvent(t, "192.0.2.1", event.TypeBGP)
	if got, want := ev.BGPOS, device.BGPIdle; got != want {
		t.Errorf("bgpOS = %s, want %s", got, want)
	}
	if got, want := ev.RemoteAS, uint32(64500); got != want {
		t.Errorf("remote-AS = %d, want %d", got, want)
	}
	if got, want := ev.RemoteAddr, netip.MustParseAddr("192.0.2.1"); got != want {
		t.Errorf("remote-addr = %s, want %s", got, want)
	}
	if got, want := ev.LastEvent, "peer is down (idle)"; got != want {
		t.Errorf("lastevent = %q, want %q", got, want)
	}
}

func TestBGPAdminShutdown(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()

	f.setGeneralBGPPeer("192.0.2.1", 6, 2, 64500, 3600)
	f.manager.runBGP(ctx, "uplink-gw")

	f.fake.SetInt(snmp.OIDBGPPeerState+".192.0.2.1", 1)
	f.fake.SetInt(snmp.OIDBGPPeerAdminStatus+".192.0.2.1", 1)
	f.manager.runBGP(ctx, "uplink-gw")

	ev := f.lookupEvent(t, "192.0.2.1", event.TypeBGP)
	if got, want := ev.LastEvent, "peer is admin turned off (stop)"; got != want {
		t.Errorf("lastevent = %q, want %q", got, want)
	}
}

func TestBGPDiscoveredDownPeer(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()

	f.setGeneralBGPPeer("192.0.2.9", 3, 2, 64501, 0)
	f.manager.runBGP(ctx, "uplink-gw")

	ev := f.lookupEvent(t, "192.0.2.9", event.TypeBGP)
	if got, want := ev.BGPOS, device.BGPActive; got != want {
		t.Errorf("bgpOS = %s, want %s", got, want)
	}
}

func TestBGPSkippedWhenNoTables(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()

	if err := f.manager.runBGP(ctx, "uplink-gw"); err != nil {
		t.Fatalf("runBGP without tables: %v", err)
	}
	st := f.registry.StateFor("uplink-gw")
	if got, want := st.BGPStyle, "none"; got != want {
		t.Errorf("bgp style = %q, want %q", got, want)
	}
	// The probe result sticks; the next run walks nothing.
	walks := len(f.fake.Walks)
	f.manager.runBGP(ctx, "uplink-gw")
	if len(f.fake.Walks) != walks {
		t.Error("second run re-probed the BGP tables")
	}
}

// ---------------------------------------------------------------------------
// BFD
// ---------------------------------------------------------------------------

func (f *fixture) setJuniperBFDSession(index string, state int, discr uint32, addr []byte, ifindex int, ifname string) {
	f.fake.SetInt(snmp.OIDJnxBFDSessState+"."+index, state)
	f.fake.SetUint32(snmp.OIDJnxBFDSessDiscr+"."+index, discr)
	f.fake.SetStr(snmp.OIDJnxBFDSessAddr+"."+index, string(addr))
	f.fake.SetInt(snmp.OIDJnxBFDSessIfIndex+"."+index, ifindex)
	f.fake.SetStr(snmp.OIDJnxBFDSessIntfName+"."+strconv.Itoa(ifindex), ifname)
}

func TestBFDSessionDown(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()
	f.registry.StateFor("uplink-gw").Vendor = device.VendorJuniper

	f.setJuniperBFDSession("1", 4, 100, []byte{192, 0, 2, 2}, 5, "ge-0/0/5")
	if err := f.manager.runBFD(ctx, "uplink-gw"); err != nil {
		t.Fatalf("seeding run: %v", err)
	}
	st := f.registry.StateFor("uplink-gw")
	if _, ok := st.BFDSessions["ge-0/0/5"]; !ok {
		t.Fatalf("session not cached under interface name, cache keys: %v", bfdKeys(st))
	}

	f.fake.SetInt(snmp.OIDJnxBFDSessState+".1", 2)
	if err := f.manager.runBFD(ctx, "uplink-gw"); err != nil {
		t.Fatalf("transition run: %v", err)
	}
	ev := f.lookupEvent(t, "ge-0/0/5", event.TypeBFD)
	if got, want := ev.BFDState, device.BFDSessDown; got != want {
		t.Errorf("bfdState = %s, want %s", got, want)
	}
	if got, want := ev.BFDDiscr, uint32(100); got != want {
		t.Errorf("bfdDiscr = %d, want %d", got, want)
	}
	if got, want := ev.NeighRDNS, "uplink-peer.example.org."; got != want {
		t.Errorf("Neigh-rDNS = %q, want %q", got, want)
	}
	if got, want := ev.LastEvent, "changed state from up to down"; got != want {
		t.Errorf("lastevent = %q, want %q", got, want)
	}
}

func TestBFDSkippedForUnknownVendor(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()

	if err := f.manager.runBFD(ctx, "uplink-gw"); err != nil {
		t.Fatalf("runBFD: %v", err)
	}
	if len(f.fake.Walks) != 0 {
		t.Errorf("unknown vendor performed %d walks, want 0", len(f.fake.Walks))
	}
}

func bfdKeys(st *device.State) []string {
	keys := make([]string, 0, len(st.BFDSessions))
	for k := range st.BFDSessions {
		keys = append(keys, k)
	}
	return keys
}

// ---------------------------------------------------------------------------
// Chassis alarms
// ---------------------------------------------------------------------------

func TestAlarmLifecycle(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()
	f.registry.StateFor("uplink-gw").Vendor = device.VendorJuniper

	f.fake.SetUint32(snmp.OIDJnxYellowAlarmCount, 0)
	f.fake.SetUint32(snmp.OIDJnxRedAlarmCount, 0)
	if err := f.manager.runAlarm(ctx, "uplink-gw"); err != nil {
		t.Fatalf("seeding run: %v", err)
	}
	if _, ok := f.events.Lookup("uplink-gw", "yellow", event.TypeAlarm); ok {
		t.Fatal("zero alarms on first poll should not open an event")
	}

	f.fake.SetUint32(snmp.OIDJnxYellowAlarmCount, 2)
	f.manager.runAlarm(ctx, "uplink-gw")
	ev := f.lookupEvent(t, "yellow", event.TypeAlarm)
	if got, want := ev.AlarmCount, 2; got != want {
		t.Errorf("alarm-count = %d, want %d", got, want)
	}
	if got, want := ev.LastEvent, "alarms went from 0 to 2"; got != want {
		t.Errorf("lastevent = %q, want %q", got, want)
	}

	// Clearing updates the open event without closing it.
	f.fake.SetUint32(snmp.OIDJnxYellowAlarmCount, 0)
	f.manager.runAlarm(ctx, "uplink-gw")
	ev = f.lookupEvent(t, "yellow", event.TypeAlarm)
	if got, want := ev.AlarmCount, 0; got != want {
		t.Errorf("alarm-count = %d, want %d", got, want)
	}
	if got, want := ev.LastEvent, "alarms went from 2 to 0"; got != want {
		t.Errorf("lastevent = %q, want %q", got, want)
	}
	if ev.State == event.StateClosed {
		t.Error("cleared alarms must not close the event")
	}
}

func TestAlarmSkippedForCisco(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()
	f.registry.StateFor("uplink-gw").Vendor = device.VendorCisco

	if err := f.manager.runAlarm(ctx, "uplink-gw"); err != nil {
		t.Fatalf("runAlarm: %v", err)
	}
	if len(f.fake.Gets) != 0 {
		t.Errorf("cisco device performed %d gets, want 0", len(f.fake.Gets))
	}
}

// ---------------------------------------------------------------------------
// Address collection
// ---------------------------------------------------------------------------

func TestAddressCollection(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()

	f.fake.SetInt(snmp.OIDIPAdEntIfIndex+".10.0.0.1", 1)
	f.fake.SetInt(snmp.OIDIPAdEntIfIndex+".198.51.100.7", 4)
	if err := f.manager.runAddresses(ctx, "uplink-gw"); err != nil {
		t.Fatalf("runAddresses: %v", err)
	}

	name, ok := f.registry.ResolveAddress(netip.MustParseAddr("198.51.100.7"))
	if !ok || name != "uplink-gw" {
		t.Errorf("ResolveAddress = %q, %v; want uplink-gw, true", name, ok)
	}
}

// ---------------------------------------------------------------------------
// Device lifecycle
// ---------------------------------------------------------------------------

func TestSyncDevicesClosesEventsOnRemoval(t *testing.T) {
	f := newFixture(t, testDevice())
	ctx := context.Background()

	f.setInterface("1", "ge-0/0/1", "uplink", 1, 1)
	f.manager.runLinkState(ctx, "uplink-gw")
	f.fake.SetInt(snmp.OIDIfOperStatus+".1", 2)
	f.manager.runLinkState(ctx, "uplink-gw")
	id, ok := f.events.Lookup("uplink-gw", "1", event.TypePortState)
	if !ok {
		t.Fatal("no portstate event before removal")
	}

	f.registry.Update(nil)
	f.manager.SyncDevices(nil, []string{"uplink-gw"})

	ev, err := f.events.Get(id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	if got, want := ev.State, event.StateClosed; got != want {
		t.Errorf("event state after removal = %s, want %s", got, want)
	}
}

func mustCompile(t *testing.T, expr string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile(expr)
	if err != nil {
		t.Fatalf("Compile(%q): %v", expr, err)
	}
	return re
}
