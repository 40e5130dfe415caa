package tasks

import (
	"context"
	"net/netip"

	"github.com/dantte-lp/gozino/internal/snmp"
)

// runAddresses refreshes the device's own interface address list from the
// ipAddrTable, so traps sent from a non-management source address still
// resolve to the device. The table is indexed by the address itself.
func (m *Manager) runAddresses(ctx context.Context, name string) error {
	if m.gated(name) {
		return nil
	}
	c, err := m.client(name)
	if err != nil {
		return err
	}

	vbs, err := c.Walk(ctx, snmp.OIDIPAdEntIfIndex)
	if err != nil {
		return err
	}

	addrs := make([]netip.Addr, 0, len(vbs))
	for _, vb := range vbs {
		addr, err := netip.ParseAddr(vb.SubIndex(snmp.OIDIPAdEntIfIndex))
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	m.registry.SetAddresses(name, addrs)
	return nil
}
