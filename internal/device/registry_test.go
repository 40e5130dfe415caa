package device_test

import (
	"net/netip"
	"reflect"
	"testing"

	"github.com/dantte-lp/gozino/internal/config"
	"github.com/dantte-lp/gozino/internal/device"
)

func dev(name, addr string) config.PollDevice {
	return config.PollDevice{Name: name, Address: netip.MustParseAddr(addr)}
}

func TestRegistryUpdate(t *testing.T) {
	r := device.NewRegistry()

	added, removed := r.Update([]config.PollDevice{dev("a", "10.0.0.1"), dev("b", "10.0.0.2")})
	if want := []string{"a", "b"}; !reflect.DeepEqual(added, want) {
		t.Errorf("added = %v, want %v", added, want)
	}
	if len(removed) != 0 {
		t.Errorf("removed = %v, want none", removed)
	}

	added, removed = r.Update([]config.PollDevice{dev("b", "10.0.0.2"), dev("c", "10.0.0.3")})
	if want := []string{"c"}; !reflect.DeepEqual(added, want) {
		t.Errorf("added = %v, want %v", added, want)
	}
	if want := []string{"a"}; !reflect.DeepEqual(removed, want) {
		t.Errorf("removed = %v, want %v", removed, want)
	}

	if _, ok := r.Get("a"); ok {
		t.Error("Get(a) still present after removal")
	}
	if got, want := r.Len(), 2; got != want {
		t.Errorf("Len() = %d, want %d", got, want)
	}
}

func TestRegistryStateSurvivesReload(t *testing.T) {
	r := device.NewRegistry()
	r.Update([]config.PollDevice{dev("a", "10.0.0.1")})

	st := r.StateFor("a")
	if st == nil {
		t.Fatal("StateFor(a) = nil")
	}
	st.FailureCount = 7

	r.Update([]config.PollDevice{dev("a", "10.0.0.1"), dev("b", "10.0.0.2")})
	if got := r.StateFor("a").FailureCount; got != 7 {
		t.Errorf("FailureCount after reload = %d, want 7", got)
	}

	r.Update([]config.PollDevice{dev("b", "10.0.0.2")})
	r.Update([]config.PollDevice{dev("a", "10.0.0.1"), dev("b", "10.0.0.2")})
	if got := r.StateFor("a").FailureCount; got != 0 {
		t.Errorf("FailureCount after remove+readd = %d, want fresh state", got)
	}
}

func TestRegistryStateForUnknownDevice(t *testing.T) {
	r := device.NewRegistry()
	if st := r.StateFor("ghost"); st != nil {
		t.Errorf("StateFor(ghost) = %v, want nil", st)
	}
}

func TestRegistryResolveAddress(t *testing.T) {
	r := device.NewRegistry()
	r.Update([]config.PollDevice{dev("a", "10.0.0.1")})
	r.StateFor("a")
	r.SetAddresses("a", []netip.Addr{netip.MustParseAddr("192.0.2.17")})

	tests := []struct {
		addr     string
		wantName string
		wantOK   bool
	}{
		{"10.0.0.1", "a", true},
		{"192.0.2.17", "a", true},
		{"198.51.100.1", "", false},
	}
	for _, tt := range tests {
		name, ok := r.ResolveAddress(netip.MustParseAddr(tt.addr))
		if name != tt.wantName || ok != tt.wantOK {
			t.Errorf("ResolveAddress(%s) = (%q, %v), want (%q, %v)",
				tt.addr, name, ok, tt.wantName, tt.wantOK)
		}
	}
}

func TestRegistryImportAddresses(t *testing.T) {
	r := device.NewRegistry()
	r.Update([]config.PollDevice{dev("a", "10.0.0.1")})

	r.ImportAddresses(map[string][]netip.Addr{
		"a":     {netip.MustParseAddr("192.0.2.1")},
		"ghost": {netip.MustParseAddr("192.0.2.2")},
	})

	if _, ok := r.ResolveAddress(netip.MustParseAddr("192.0.2.1")); !ok {
		t.Error("imported address for a did not resolve")
	}
	if _, ok := r.ResolveAddress(netip.MustParseAddr("192.0.2.2")); ok {
		t.Error("address for removed device resolved")
	}

	got := r.AddressMap()
	if len(got) != 1 || len(got["a"]) != 1 {
		t.Errorf("AddressMap() = %v, want one entry for a", got)
	}
}

func TestStateSnapshotDuringTaskWrites(t *testing.T) {
	r := device.NewRegistry()
	r.Update([]config.PollDevice{dev("a", "10.0.0.1")})
	st := r.StateFor("a")
	if st == nil {
		t.Fatal("StateFor(a) = nil")
	}

	// A poller goroutine mutating the live state while snapshots are taken,
	// as the persistence dump does mid-cycle.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			st.Lock()
			st.Ports[i%8] = &device.Port{Index: i % 8, OperStatus: device.PortUp}
			delete(st.Ports, (i+4)%8)
			st.FailureCount++
			st.Unlock()
		}
	}()

	for i := 0; i < 200; i++ {
		snap := r.StateSnapshot()
		if snap["a"] == nil {
			t.Fatal("snapshot lost device a")
		}
	}
	<-done

	if got := r.StateCopy("a").FailureCount; got != 500 {
		t.Errorf("FailureCount after writer finished = %d, want 500", got)
	}
}

func TestStateCopy(t *testing.T) {
	r := device.NewRegistry()
	if st := r.StateCopy("ghost"); st != nil {
		t.Errorf("StateCopy(ghost) = %v, want nil", st)
	}

	r.Update([]config.PollDevice{dev("a", "10.0.0.1")})
	if st := r.StateCopy("a"); st != nil {
		t.Errorf("StateCopy before first poll = %v, want nil", st)
	}

	live := r.StateFor("a")
	live.Ports[1] = &device.Port{Index: 1, Descr: "ge-1/0/1"}

	snap := r.StateCopy("a")
	if snap == nil || snap.Ports[1] == nil {
		t.Fatalf("StateCopy(a) = %+v, want port 1", snap)
	}
	snap.Ports[1].Descr = "changed"
	if live.Ports[1].Descr != "ge-1/0/1" {
		t.Error("mutating the copy leaked into the live state")
	}
}

func TestPortCombinedStatus(t *testing.T) {
	tests := []struct {
		admin, oper device.PortStatus
		want        device.PortStatus
	}{
		{device.PortUp, device.PortUp, device.PortUp},
		{device.PortUp, device.PortDown, device.PortDown},
		{device.PortDown, device.PortUp, device.PortAdminDown},
		{device.PortDown, device.PortDown, device.PortAdminDown},
	}
	for _, tt := range tests {
		p := &device.Port{AdminStatus: tt.admin, OperStatus: tt.oper}
		if got := p.CombinedStatus(); got != tt.want {
			t.Errorf("CombinedStatus(admin=%s, oper=%s) = %s, want %s",
				tt.admin, tt.oper, got, tt.want)
		}
	}
}

func TestVendorFromEnterprise(t *testing.T) {
	if got := device.VendorFromEnterprise(9); got != device.VendorCisco {
		t.Errorf("VendorFromEnterprise(9) = %q", got)
	}
	if got := device.VendorFromEnterprise(2636); got != device.VendorJuniper {
		t.Errorf("VendorFromEnterprise(2636) = %q", got)
	}
	if got := device.VendorFromEnterprise(4242); got != device.VendorUnknown {
		t.Errorf("VendorFromEnterprise(4242) = %q", got)
	}
}
