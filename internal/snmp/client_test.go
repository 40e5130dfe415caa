package snmp_test

import (
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/dantte-lp/gozino/internal/snmp"
)

func TestVarBindSubIndex(t *testing.T) {
	vb := snmp.VarBind{OID: snmp.OIDIfOperStatus + ".150"}
	if got := vb.SubIndex(snmp.OIDIfOperStatus); got != "150" {
		t.Errorf("SubIndex() = %q, want %q", got, "150")
	}
	n, err := vb.IntSubIndex(snmp.OIDIfOperStatus)
	if err != nil || n != 150 {
		t.Errorf("IntSubIndex() = (%d, %v), want (150, nil)", n, err)
	}

	// Composite index stays dotted.
	vb = snmp.VarBind{OID: snmp.OIDBGPPeerState + ".10.0.0.1"}
	if got := vb.SubIndex(snmp.OIDBGPPeerState); got != "10.0.0.1" {
		t.Errorf("SubIndex() = %q, want %q", got, "10.0.0.1")
	}
}

func TestVarBindValues(t *testing.T) {
	i := snmp.VarBind{Type: gosnmp.Integer, Value: 6}
	if got := i.Int(); got != 6 {
		t.Errorf("Int() = %d, want 6", got)
	}
	s := snmp.VarBind{Type: gosnmp.OctetString, Value: []byte("ge-1/0/10")}
	if got := s.Str(); got != "ge-1/0/10" {
		t.Errorf("Str() = %q", got)
	}
	e := snmp.VarBind{Type: gosnmp.NoSuchObject}
	if !e.IsError() {
		t.Error("IsError() = false for NoSuchObject")
	}
	if i.IsError() {
		t.Error("IsError() = true for Integer")
	}
}

func TestEnterpriseFromSysObjectID(t *testing.T) {
	tests := []struct {
		oid  string
		want int
	}{
		{".1.3.6.1.4.1.2636.1.1.1.2.21", 2636},
		{".1.3.6.1.4.1.9.1.1", 9},
		{"1.3.6.1.4.1.9.1.1", 9},
		{".1.3.6.1.2.1.1.1.0", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := snmp.EnterpriseFromSysObjectID(tt.oid); got != tt.want {
			t.Errorf("EnterpriseFromSysObjectID(%q) = %d, want %d", tt.oid, got, tt.want)
		}
	}
}

func TestTicksToDuration(t *testing.T) {
	if got, want := snmp.TicksToDuration(100), time.Second; got != want {
		t.Errorf("TicksToDuration(100) = %v, want %v", got, want)
	}
	if got, want := snmp.TicksToDuration(360000), time.Hour; got != want {
		t.Errorf("TicksToDuration(360000) = %v, want %v", got, want)
	}
}
