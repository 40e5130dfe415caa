// Package device tracks the monitored routers: the pollfile-derived registry
// of devices to poll and the per-device cache of observed SNMP state that the
// polling tasks diff against.
package device

import (
	"net/netip"
	"sync"
	"time"
)

// Vendor identifies the router vendor, detected from sysObjectID.
type Vendor string

const (
	VendorUnknown Vendor = ""
	VendorCisco   Vendor = "cisco"
	VendorJuniper Vendor = "juniper"
)

// Enterprise OID prefixes under .1.3.6.1.4.1.
const (
	enterpriseCisco   = 9
	enterpriseJuniper = 2636
)

// VendorFromEnterprise maps an enterprise number from sysObjectID to a
// Vendor.
func VendorFromEnterprise(enterprise int) Vendor {
	switch enterprise {
	case enterpriseCisco:
		return VendorCisco
	case enterpriseJuniper:
		return VendorJuniper
	default:
		return VendorUnknown
	}
}

// -------------------------------------------------------------------------
// Interface state
// -------------------------------------------------------------------------

// PortStatus is an IF-MIB interface status value as a protocol string.
type PortStatus string

const (
	PortUp             PortStatus = "up"
	PortDown           PortStatus = "down"
	PortTesting        PortStatus = "testing"
	PortUnknown        PortStatus = "unknown"
	PortDormant        PortStatus = "dormant"
	PortNotPresent     PortStatus = "notPresent"
	PortLowerLayerDown PortStatus = "lowerLayerDown"
	PortAdminDown      PortStatus = "adminDown"
)

// OperStatusFromInt converts an ifOperStatus integer.
func OperStatusFromInt(v int) PortStatus {
	switch v {
	case 1:
		return PortUp
	case 2:
		return PortDown
	case 3:
		return PortTesting
	case 5:
		return PortDormant
	case 6:
		return PortNotPresent
	case 7:
		return PortLowerLayerDown
	default:
		return PortUnknown
	}
}

// AdminStatusFromInt converts an ifAdminStatus integer.
func AdminStatusFromInt(v int) PortStatus {
	switch v {
	case 1:
		return PortUp
	case 2:
		return PortDown
	case 3:
		return PortTesting
	default:
		return PortUnknown
	}
}

// Port is one row of a device's interface table as last observed.
type Port struct {
	Index       int        `json:"ifindex"`
	Descr       string     `json:"ifdescr"`
	Alias       string     `json:"ifalias"`
	AdminStatus PortStatus `json:"state_admin"`
	OperStatus  PortStatus `json:"state_oper"`
	// LastChange is the sysUpTime tick value of the last status change.
	LastChange uint32 `json:"last_change"`
}

// CombinedStatus collapses admin and oper status into the single value the
// protocol reports: an administratively disabled port is adminDown no matter
// what the line says.
func (p *Port) CombinedStatus() PortStatus {
	if p.AdminStatus == PortDown {
		return PortAdminDown
	}
	return p.OperStatus
}

// -------------------------------------------------------------------------
// BGP state
// -------------------------------------------------------------------------

// BGPOperState is a BGP peering session state, lowercased from the MIB
// enumeration.
type BGPOperState string

const (
	BGPIdle        BGPOperState = "idle"
	BGPConnect     BGPOperState = "connect"
	BGPActive      BGPOperState = "active"
	BGPOpenSent    BGPOperState = "opensent"
	BGPOpenConfirm BGPOperState = "openconfirm"
	BGPEstablished BGPOperState = "established"
	BGPDown        BGPOperState = "down"
)

// BGPOperStateFromInt converts a bgpPeerState integer.
func BGPOperStateFromInt(v int) BGPOperState {
	switch v {
	case 1:
		return BGPIdle
	case 2:
		return BGPConnect
	case 3:
		return BGPActive
	case 4:
		return BGPOpenSent
	case 5:
		return BGPOpenConfirm
	case 6:
		return BGPEstablished
	default:
		return BGPDown
	}
}

// BGPAdminState is the administrative status of a peering session.
type BGPAdminState string

const (
	BGPAdminStop  BGPAdminState = "stop"
	BGPAdminStart BGPAdminState = "start"
	// Juniper-style admin states.
	BGPAdminHalted  BGPAdminState = "halted"
	BGPAdminRunning BGPAdminState = "running"
)

// BGPPeer is the observed state of one BGP peering session.
type BGPPeer struct {
	Address    netip.Addr    `json:"address"`
	RemoteAS   uint32        `json:"remote_as"`
	OperState  BGPOperState  `json:"oper_state"`
	AdminState BGPAdminState `json:"admin_state"`
	// Uptime is bgpPeerFsmEstablishedTime in seconds at the last poll.
	Uptime uint32 `json:"uptime"`
}

// -------------------------------------------------------------------------
// BFD state
// -------------------------------------------------------------------------

// BFDSessState is a BFD-STD-MIB bfdSessState value as a protocol string.
type BFDSessState string

const (
	BFDAdminDown BFDSessState = "adminDown"
	BFDSessDown  BFDSessState = "down"
	BFDInit      BFDSessState = "init"
	BFDUp        BFDSessState = "up"
	BFDFailing   BFDSessState = "failing"
	BFDNoSession BFDSessState = "noSession"
)

// BFDSessStateFromInt converts a bfdSessState integer.
func BFDSessStateFromInt(v int) BFDSessState {
	switch v {
	case 1:
		return BFDAdminDown
	case 2:
		return BFDSessDown
	case 3:
		return BFDInit
	case 4:
		return BFDUp
	case 5:
		return BFDFailing
	default:
		return BFDNoSession
	}
}

// BFDSession is the observed state of one BFD session. Juniper devices key
// sessions by interface name, Cisco by interface index; Key carries
// whichever applies.
type BFDSession struct {
	Key   string       `json:"key"`
	State BFDSessState `json:"state"`
	// Discr is bfdSessDiscriminator.
	Discr uint32 `json:"discr"`
	// Addr is the session's remote address, when the MIB exposes it.
	Addr netip.Addr `json:"addr,omitzero"`
}

// -------------------------------------------------------------------------
// Chassis alarms
// -------------------------------------------------------------------------

// Alarms holds the Juniper chassis alarm counts from the last poll. Counts
// below zero mean never polled.
type Alarms struct {
	Yellow int `json:"yellow"`
	Red    int `json:"red"`
}

// -------------------------------------------------------------------------
// Per-device observed state
// -------------------------------------------------------------------------

// State is the cache of everything zino last observed about one device.
// Polling tasks diff fresh SNMP readings against it to decide what changed.
// The scheduler serializes job runs per device, so each device's tasks are
// the sole writer, but the persister and the server read states from other
// goroutines: writers must hold Lock and cross-goroutine readers RLock
// (Copy does so itself).
type State struct {
	mu sync.RWMutex

	Name string `json:"name"`

	Vendor Vendor `json:"vendor,omitempty"`

	// BGPStyle is the BGP MIB dialect the device answered to, probed once
	// by the bgp task ("juniper", "cisco", "general" or "none").
	BGPStyle string `json:"bgp_style,omitempty"`

	// Reachability.
	Unreachable  bool      `json:"unreachable"`
	FailureCount int       `json:"failure_count"`
	LastSeen     time.Time `json:"last_seen,omitzero"`

	// BootTime is the wall-clock moment the device last booted, derived
	// from sysUpTime. A later reading that implies a newer boot means the
	// device restarted.
	BootTime time.Time `json:"boot_time,omitzero"`

	Ports       map[int]*Port          `json:"ports,omitempty"`
	BGPPeers    map[string]*BGPPeer    `json:"bgp_peers,omitempty"`
	BFDSessions map[string]*BFDSession `json:"bfd_sessions,omitempty"`

	Alarms Alarms `json:"alarms"`

	// Addresses are the device's own interface addresses, collected so
	// traps arriving from a non-management address still resolve to it.
	Addresses []netip.Addr `json:"addresses,omitempty"`
}

// Lock takes the state's write lock.
func (s *State) Lock() { s.mu.Lock() }

// Unlock releases the state's write lock.
func (s *State) Unlock() { s.mu.Unlock() }

// RLock takes the state's read lock.
func (s *State) RLock() { s.mu.RLock() }

// RUnlock releases the state's read lock.
func (s *State) RUnlock() { s.mu.RUnlock() }

// Copy returns a deep copy of the observation state. It takes the read
// lock itself, so it is safe against concurrent task writes.
func (s *State) Copy() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dup := State{
		Name:         s.Name,
		Vendor:       s.Vendor,
		BGPStyle:     s.BGPStyle,
		Unreachable:  s.Unreachable,
		FailureCount: s.FailureCount,
		LastSeen:     s.LastSeen,
		BootTime:     s.BootTime,
		Alarms:       s.Alarms,
	}
	dup.Ports = make(map[int]*Port, len(s.Ports))
	for k, v := range s.Ports {
		p := *v
		dup.Ports[k] = &p
	}
	dup.BGPPeers = make(map[string]*BGPPeer, len(s.BGPPeers))
	for k, v := range s.BGPPeers {
		p := *v
		dup.BGPPeers[k] = &p
	}
	dup.BFDSessions = make(map[string]*BFDSession, len(s.BFDSessions))
	for k, v := range s.BFDSessions {
		sess := *v
		dup.BFDSessions[k] = &sess
	}
	dup.Addresses = append([]netip.Addr(nil), s.Addresses...)
	return &dup
}

// NewState returns an empty observation state for a device.
func NewState(name string) *State {
	return &State{
		Name:        name,
		Ports:       map[int]*Port{},
		BGPPeers:    map[string]*BGPPeer{},
		BFDSessions: map[string]*BFDSession{},
		Alarms:      Alarms{Yellow: -1, Red: -1},
	}
}
