// Package snmp wraps gosnmp behind a small client interface the polling
// tasks use, so task logic is testable against an in-memory fake. It also
// hosts the OID inventory and the sysUpTime agent legacy clients query to
// detect failover.
package snmp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/dantte-lp/gozino/internal/config"
)

// Client errors.
var (
	ErrNoSuchObject = errors.New("no such object")
)

// VarBind is one OID/value pair from an SNMP response.
type VarBind struct {
	OID   string
	Type  gosnmp.Asn1BER
	Value any
}

// Int returns the value as an int for integer-like types.
func (v VarBind) Int() int {
	return int(gosnmp.ToBigInt(v.Value).Int64())
}

// Uint32 returns the value as a uint32 for counter and gauge types.
func (v VarBind) Uint32() uint32 {
	return uint32(gosnmp.ToBigInt(v.Value).Uint64())
}

// Str returns the value as a string; octet strings decode as-is.
func (v VarBind) Str() string {
	switch val := v.Value.(type) {
	case []byte:
		return string(val)
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// IsError reports whether the varbind carries an SNMP exception value
// instead of data.
func (v VarBind) IsError() bool {
	switch v.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return true
	default:
		return false
	}
}

// SubIndex returns the instance part of the varbind's OID under the given
// column root, e.g. "5" for column .1.x and OID .1.x.5, or the full
// dotted remainder for composite indexes.
func (v VarBind) SubIndex(root string) string {
	return strings.TrimPrefix(strings.TrimPrefix(v.OID, root), ".")
}

// IntSubIndex returns the instance part as an integer, for tables indexed
// by a single integer such as the ifTable.
func (v VarBind) IntSubIndex(root string) (int, error) {
	return strconv.Atoi(v.SubIndex(root))
}

// Client is the SNMP operation set the tasks need. Implementations are not
// safe for concurrent use; the scheduler serializes all runs per device.
type Client interface {
	// Get fetches scalar instances.
	Get(ctx context.Context, oids ...string) ([]VarBind, error)
	// Walk fetches a whole subtree, using GETBULK where the protocol
	// version allows it.
	Walk(ctx context.Context, root string) ([]VarBind, error)
	// Close releases the transport.
	Close() error
}

// Session is the gosnmp-backed Client.
type Session struct {
	g *gosnmp.GoSNMP
}

var _ Client = (*Session)(nil)

// NewSession creates and connects a session for the device. The caller owns
// the session and must Close it.
func NewSession(dev config.PollDevice) (*Session, error) {
	g := &gosnmp.GoSNMP{
		Target:  dev.Address.String(),
		Port:    dev.Port,
		Timeout: dev.Timeout,
		Retries: dev.Retries,
		MaxOids: 60,
	}
	if dev.MaxRepetitions > 0 {
		g.MaxRepetitions = uint32(dev.MaxRepetitions)
	}

	switch dev.SNMPVersion {
	case "1":
		g.Version = gosnmp.Version1
	case "2c", "":
		g.Version = gosnmp.Version2c
	default:
		return nil, fmt.Errorf("unsupported snmp version %q", dev.SNMPVersion)
	}
	g.Community = dev.Community

	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect %s:%d: %w", dev.Address, dev.Port, err)
	}
	return &Session{g: g}, nil
}

// Get implements Client.
func (s *Session) Get(ctx context.Context, oids ...string) ([]VarBind, error) {
	s.g.Context = ctx
	pkt, err := s.g.Get(oids)
	if err != nil {
		return nil, fmt.Errorf("snmp get %s: %w", s.g.Target, err)
	}
	return convert(pkt.Variables), nil
}

// Walk implements Client. SNMPv2c uses BulkWalk; v1 falls back to
// GETNEXT walking.
func (s *Session) Walk(ctx context.Context, root string) ([]VarBind, error) {
	s.g.Context = ctx

	var out []VarBind
	collect := func(pdu gosnmp.SnmpPDU) error {
		out = append(out, VarBind{OID: normalizeOID(pdu.Name), Type: pdu.Type, Value: pdu.Value})
		return nil
	}

	var err error
	if s.g.Version == gosnmp.Version1 {
		err = s.g.Walk(root, collect)
	} else {
		err = s.g.BulkWalk(root, collect)
	}
	if err != nil {
		return nil, fmt.Errorf("snmp walk %s %s: %w", s.g.Target, root, err)
	}
	return out, nil
}

// Close implements Client.
func (s *Session) Close() error {
	if s.g.Conn != nil {
		return s.g.Conn.Close()
	}
	return nil
}

func convert(pdus []gosnmp.SnmpPDU) []VarBind {
	out := make([]VarBind, 0, len(pdus))
	for _, pdu := range pdus {
		out = append(out, VarBind{OID: normalizeOID(pdu.Name), Type: pdu.Type, Value: pdu.Value})
	}
	return out
}

// normalizeOID ensures a leading dot and no trailing dot.
func normalizeOID(oid string) string {
	oid = strings.TrimSpace(oid)
	if oid == "" {
		return ""
	}
	if !strings.HasPrefix(oid, ".") {
		oid = "." + oid
	}
	return strings.TrimSuffix(oid, ".")
}

// EnterpriseFromSysObjectID extracts the enterprise number from a
// sysObjectID value, or 0 when the OID is not under the enterprises arc.
func EnterpriseFromSysObjectID(oid string) int {
	oid = normalizeOID(oid)
	rest, ok := strings.CutPrefix(oid, enterprisePrefix)
	if !ok {
		return 0
	}
	head, _, _ := strings.Cut(rest, ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}
	return n
}

// TicksToDuration converts SNMP TimeTicks (centiseconds) to a duration.
func TicksToDuration(ticks uint32) time.Duration {
	return time.Duration(ticks) * 10 * time.Millisecond
}
