package snmp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/dantte-lp/gozino/internal/config"
	appversion "github.com/dantte-lp/gozino/internal/version"
)

// Agent is the minimal SNMP agent answering GET for sysUpTime and sysDescr.
// Legacy clients poll it to notice when a standby took over (the standby's
// uptime restarts from zero).
type Agent struct {
	cfg     config.AgentConfig
	logger  *slog.Logger
	started time.Time
}

// NewAgent returns an agent that reports uptime relative to now.
func NewAgent(cfg config.AgentConfig, logger *slog.Logger) *Agent {
	return &Agent{
		cfg:     cfg,
		logger:  logger,
		started: time.Now(),
	}
}

// Run serves UDP requests until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.ParseIP(a.cfg.Address), Port: a.cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("agent listen %s: %w", addr, err)
	}

	a.logger.Info("snmp agent listening", slog.String("addr", conn.LocalAddr().String()))

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("agent read: %w", err)
		}

		resp := a.handle(buf[:n])
		if resp == nil {
			continue
		}
		if _, err := conn.WriteToUDP(resp, raddr); err != nil {
			a.logger.Debug("agent response write failed",
				slog.String("peer", raddr.String()),
				slog.Any("error", err))
		}
	}
}

// handle decodes one request and builds the response bytes, or nil for
// requests the agent ignores (wrong community, non-GET PDUs, garbage).
func (a *Agent) handle(raw []byte) []byte {
	decoder := &gosnmp.GoSNMP{
		Version:   gosnmp.Version2c,
		Community: a.cfg.Community,
	}
	pkt, err := decoder.SnmpDecodePacket(raw)
	if err != nil {
		return nil
	}
	if pkt.Community != a.cfg.Community || pkt.PDUType != gosnmp.GetRequest {
		return nil
	}

	vars := make([]gosnmp.SnmpPDU, 0, len(pkt.Variables))
	for _, v := range pkt.Variables {
		vars = append(vars, a.answer(normalizeOID(v.Name)))
	}

	pkt.PDUType = gosnmp.GetResponse
	pkt.Variables = vars
	pkt.Error = gosnmp.NoError
	pkt.ErrorIndex = 0

	out, err := pkt.MarshalMsg()
	if err != nil {
		a.logger.Debug("agent response marshal failed", slog.Any("error", err))
		return nil
	}
	return out
}

func (a *Agent) answer(oid string) gosnmp.SnmpPDU {
	switch oid {
	case OIDSysUpTime:
		ticks := uint32(time.Since(a.started) / (10 * time.Millisecond))
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.TimeTicks, Value: ticks}
	case OIDSysDescr:
		descr := fmt.Sprintf("zino %s", appversion.Version)
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.OctetString, Value: []byte(descr)}
	default:
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.NoSuchObject}
	}
}
