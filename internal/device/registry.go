package device

import (
	"net/netip"
	"sort"
	"sync"

	"github.com/dantte-lp/gozino/internal/config"
)

// Registry holds the current set of monitored devices and their observed
// state. The device set is replaced wholesale on pollfile reload; observed
// state survives reloads for devices that remain.
type Registry struct {
	mu sync.RWMutex

	devices map[string]config.PollDevice
	states  map[string]*State

	// byAddr maps management addresses to device names.
	byAddr map[netip.Addr]string
}

// NewRegistry returns an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: map[string]config.PollDevice{},
		states:  map[string]*State{},
		byAddr:  map[netip.Addr]string{},
	}
}

// Update replaces the device set with the given pollfile contents and
// reports which device names were added and which were removed relative to
// the previous set. Observed state for removed devices is dropped.
func (r *Registry) Update(devices []config.PollDevice) (added, removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]config.PollDevice, len(devices))
	for _, dev := range devices {
		next[dev.Name] = dev
	}

	for name := range next {
		if _, ok := r.devices[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range r.devices {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
			delete(r.states, name)
		}
	}

	r.devices = next
	r.byAddr = make(map[netip.Addr]string, len(next))
	for name, dev := range next {
		r.byAddr[dev.Address] = name
	}

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// Get returns the poll configuration for a device.
func (r *Registry) Get(name string) (config.PollDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[name]
	return dev, ok
}

// Names returns all device names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// ResolveAddress maps a source address to a device name, checking the
// management addresses first and then the interface addresses collected
// from each device.
func (r *Registry) ResolveAddress(addr netip.Addr) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name, ok := r.byAddr[addr]; ok {
		return name, true
	}
	for name, st := range r.states {
		for _, a := range st.Addresses {
			if a == addr {
				return name, true
			}
		}
	}
	return "", false
}

// StateFor returns the observed state for a device, creating an empty one
// on first use. Returns nil for devices not in the registry.
func (r *Registry) StateFor(name string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[name]; !ok {
		return nil
	}
	st, ok := r.states[name]
	if !ok {
		st = NewState(name)
		r.states[name] = st
	}
	return st
}

// StateCopy returns a deep copy of the observed state for a device, or nil
// when the device is unknown or has never been polled. Callers that only
// read may prefer this over StateFor: the copy needs no locking.
func (r *Registry) StateCopy(name string) *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[name]
	if !ok {
		return nil
	}
	return st.Copy()
}

// SetAddresses replaces the collected interface addresses for a device.
func (r *Registry) SetAddresses(name string, addrs []netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[name]; ok {
		st.Addresses = addrs
	}
}

// StateSnapshot returns deep copies of every device's observed state for
// the persistence snapshot.
func (r *Registry) StateSnapshot() map[string]*State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*State, len(r.states))
	for name, st := range r.states {
		out[name] = st.Copy()
	}
	return out
}

// ImportStates seeds observed device state from a loaded snapshot. Devices
// no longer in the registry are skipped, as is any device that has already
// been polled in this process.
func (r *Registry) ImportStates(states map[string]*State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, st := range states {
		if _, ok := r.devices[name]; !ok {
			continue
		}
		if _, polled := r.states[name]; polled {
			continue
		}
		dup := st.Copy()
		dup.Name = name
		r.states[name] = dup
	}
}

// AddressMap returns a copy of the collected address map for persistence:
// device name to its interface addresses.
func (r *Registry) AddressMap() map[string][]netip.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := map[string][]netip.Addr{}
	for name, st := range r.states {
		if len(st.Addresses) > 0 {
			out[name] = append([]netip.Addr(nil), st.Addresses...)
		}
	}
	return out
}

// ImportAddresses seeds collected addresses from a loaded state snapshot.
// Devices no longer in the registry are skipped.
func (r *Registry) ImportAddresses(addrs map[string][]netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, list := range addrs {
		if _, ok := r.devices[name]; !ok {
			continue
		}
		st, ok := r.states[name]
		if !ok {
			st = NewState(name)
			r.states[name] = st
		}
		st.Addresses = append([]netip.Addr(nil), list...)
	}
}
