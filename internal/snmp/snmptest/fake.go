// Package snmptest provides an in-memory snmp.Client for task tests.
package snmptest

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gosnmp/gosnmp"

	"github.com/dantte-lp/gozino/internal/snmp"
)

// Fake is a canned-response snmp.Client. Scalars answer Get; Walk serves
// every stored OID under the requested root in OID order.
type Fake struct {
	// Scalars maps instance OIDs to values.
	Scalars map[string]snmp.VarBind
	// Err, when set, fails every operation. Simulates an unreachable
	// device.
	Err error

	// Gets and Walks record the requested OIDs.
	Gets  [][]string
	Walks []string

	closed bool
}

var _ snmp.Client = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	return &Fake{Scalars: map[string]snmp.VarBind{}}
}

// SetInt stores an integer instance.
func (f *Fake) SetInt(oid string, v int) {
	f.Scalars[oid] = snmp.VarBind{OID: oid, Type: gosnmp.Integer, Value: v}
}

// SetUint32 stores a gauge/counter instance.
func (f *Fake) SetUint32(oid string, v uint32) {
	f.Scalars[oid] = snmp.VarBind{OID: oid, Type: gosnmp.Gauge32, Value: uint(v)}
}

// SetTicks stores a TimeTicks instance.
func (f *Fake) SetTicks(oid string, v uint32) {
	f.Scalars[oid] = snmp.VarBind{OID: oid, Type: gosnmp.TimeTicks, Value: uint(v)}
}

// SetStr stores an octet string instance.
func (f *Fake) SetStr(oid string, v string) {
	f.Scalars[oid] = snmp.VarBind{OID: oid, Type: gosnmp.OctetString, Value: []byte(v)}
}

// SetOID stores an object identifier instance.
func (f *Fake) SetOID(oid string, v string) {
	f.Scalars[oid] = snmp.VarBind{OID: oid, Type: gosnmp.ObjectIdentifier, Value: v}
}

// Delete removes an instance.
func (f *Fake) Delete(oid string) {
	delete(f.Scalars, oid)
}

// Get implements snmp.Client.
func (f *Fake) Get(_ context.Context, oids ...string) ([]snmp.VarBind, error) {
	f.Gets = append(f.Gets, oids)
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]snmp.VarBind, 0, len(oids))
	for _, oid := range oids {
		if vb, ok := f.Scalars[oid]; ok {
			out = append(out, vb)
			continue
		}
		out = append(out, snmp.VarBind{OID: oid, Type: gosnmp.NoSuchObject})
	}
	return out, nil
}

// Walk implements snmp.Client.
func (f *Fake) Walk(_ context.Context, root string) ([]snmp.VarBind, error) {
	f.Walks = append(f.Walks, root)
	if f.Err != nil {
		return nil, f.Err
	}
	var out []snmp.VarBind
	for oid, vb := range f.Scalars {
		if strings.HasPrefix(oid, root+".") {
			out = append(out, vb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OID < out[j].OID })
	return out, nil
}

// Close implements snmp.Client.
func (f *Fake) Close() error {
	if f.closed {
		return fmt.Errorf("already closed")
	}
	f.closed = true
	return nil
}
