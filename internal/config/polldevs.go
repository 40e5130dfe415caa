package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Pollfile parse errors.
var (
	ErrPollfileSyntax   = errors.New("pollfile syntax error")
	ErrDuplicateDevice  = errors.New("duplicate device name")
	ErrMissingName      = errors.New("device block missing name")
	ErrMissingAddress   = errors.New("device block missing address")
	ErrUnknownAttribute = errors.New("unknown device attribute")
)

// PollDevice describes one monitored router from the pollfile.
type PollDevice struct {
	Name      string
	Address   netip.Addr
	Community string
	DNS       string
	Interval  time.Duration
	Priority  int
	Timeout   time.Duration
	Retries   int
	Port      uint16

	SNMPVersion string

	// MaxRepetitions overrides the GetBulk max-repetitions used when
	// walking this device. Zero keeps the transport default.
	MaxRepetitions int

	// DoBGP enables BGP session monitoring for this device.
	DoBGP bool
	// HCounters selects 64-bit interface counters where available.
	HCounters bool
	// Statistics enables traffic statistics collection.
	Statistics bool

	Domain string

	// WatchPat and IgnorePat select which interfaces generate portstate
	// events. Compiled as unanchored regular expressions.
	WatchPat  *regexp.Regexp
	IgnorePat *regexp.Regexp
}

// pollDefaults carries the mutable defaults accumulated from "default"
// records while parsing.
type pollDefaults struct {
	community   string
	dns         string
	interval    time.Duration
	priority    int
	timeout     time.Duration
	retries     int
	port        uint16
	snmpVersion string
	maxReps     int
	doBGP       bool
	hcounters   bool
	statistics  bool
	domain      string
}

func builtinPollDefaults() pollDefaults {
	return pollDefaults{
		community:   "public",
		interval:    5 * time.Minute,
		priority:    100,
		timeout:     5 * time.Second,
		retries:     3,
		port:        161,
		snmpVersion: "2c",
		doBGP:       true,
	}
}

// ParsePollFile reads a pollfile from path. See ParsePollDevices for the
// format.
func ParsePollFile(path string) ([]PollDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pollfile: %w", err)
	}
	defer f.Close()

	devices, err := ParsePollDevices(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return devices, nil
}

// ParsePollDevices parses the classic pollfile format: records separated by
// blank lines, each record a set of "key: value" lines. A record whose keys
// are prefixed with "default" updates the defaults applied to all following
// device records. Lines starting with # are comments. Every device record
// needs at least name and address; device names must be unique.
func ParsePollDevices(r io.Reader) ([]PollDevice, error) {
	var (
		devices  []PollDevice
		seen     = map[string]int{}
		defaults = builtinPollDefaults()

		block      = map[string]string{}
		blockStart int
	)

	flush := func() error {
		if len(block) == 0 {
			return nil
		}
		defer func() { block = map[string]string{} }()

		// Defaults records may appear anywhere and affect every device
		// record after them.
		if isDefaultsBlock(block) {
			return applyDefaults(&defaults, block, blockStart)
		}

		dev, err := buildDevice(block, defaults, blockStart)
		if err != nil {
			return err
		}
		if prev, dup := seen[dev.Name]; dup {
			return fmt.Errorf("line %d: %w: %q (first defined near line %d)",
				blockStart, ErrDuplicateDevice, dev.Name, prev)
		}
		seen[dev.Name] = blockStart
		devices = append(devices, dev)
		return nil
	}

	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("line %d: %w: missing ':' in %q", lineno, ErrPollfileSyntax, line)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			return nil, fmt.Errorf("line %d: %w: empty key or value", lineno, ErrPollfileSyntax)
		}
		if len(block) == 0 {
			blockStart = lineno
		}
		block[key] = value
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read pollfile: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return devices, nil
}

func isDefaultsBlock(block map[string]string) bool {
	for key := range block {
		if strings.HasPrefix(key, "default ") || strings.HasPrefix(key, "default\t") {
			return true
		}
	}
	return false
}

func applyDefaults(d *pollDefaults, block map[string]string, blockStart int) error {
	for key, value := range block {
		name := strings.TrimSpace(strings.TrimPrefix(key, "default"))
		var err error
		switch name {
		case "community":
			d.community = value
		case "dns":
			d.dns = value
		case "interval":
			d.interval, err = parseMinutes(value)
		case "priority":
			d.priority, err = strconv.Atoi(value)
		case "timeout":
			d.timeout, err = parseSeconds(value)
		case "retries":
			d.retries, err = strconv.Atoi(value)
		case "port":
			d.port, err = parsePort(value)
		case "snmpversion":
			d.snmpVersion, err = normalizeSNMPVersion(value)
		case "max-repetitions":
			d.maxReps, err = parseMaxRepetitions(value)
		case "do_bgp":
			d.doBGP, err = parseYesNo(value)
		case "hcounters":
			d.hcounters, err = parseYesNo(value)
		case "statistics":
			d.statistics, err = parseYesNo(value)
		case "domain":
			d.domain = value
		default:
			return fmt.Errorf("line %d: %w: %q", blockStart, ErrUnknownAttribute, key)
		}
		if err != nil {
			return fmt.Errorf("line %d: default %s: %w", blockStart, name, err)
		}
	}
	return nil
}

func buildDevice(block map[string]string, d pollDefaults, blockStart int) (PollDevice, error) {
	dev := PollDevice{
		Community:      d.community,
		DNS:            d.dns,
		Interval:       d.interval,
		Priority:       d.priority,
		Timeout:        d.timeout,
		Retries:        d.retries,
		Port:           d.port,
		SNMPVersion:    d.snmpVersion,
		MaxRepetitions: d.maxReps,
		DoBGP:          d.doBGP,
		HCounters:      d.hcounters,
		Statistics:     d.statistics,
		Domain:         d.domain,
	}

	for key, value := range block {
		var err error
		switch key {
		case "name":
			dev.Name = value
		case "address":
			dev.Address, err = netip.ParseAddr(value)
		case "community":
			dev.Community = value
		case "dns":
			dev.DNS = value
		case "interval":
			dev.Interval, err = parseMinutes(value)
		case "priority":
			dev.Priority, err = strconv.Atoi(value)
		case "timeout":
			dev.Timeout, err = parseSeconds(value)
		case "retries":
			dev.Retries, err = strconv.Atoi(value)
		case "port":
			dev.Port, err = parsePort(value)
		case "snmpversion":
			dev.SNMPVersion, err = normalizeSNMPVersion(value)
		case "max-repetitions":
			dev.MaxRepetitions, err = parseMaxRepetitions(value)
		case "do_bgp":
			dev.DoBGP, err = parseYesNo(value)
		case "hcounters":
			dev.HCounters, err = parseYesNo(value)
		case "statistics":
			dev.Statistics, err = parseYesNo(value)
		case "domain":
			dev.Domain = value
		case "watchpat":
			dev.WatchPat, err = regexp.Compile(value)
		case "ignorepat":
			dev.IgnorePat, err = regexp.Compile(value)
		default:
			return PollDevice{}, fmt.Errorf("line %d: %w: %q", blockStart, ErrUnknownAttribute, key)
		}
		if err != nil {
			return PollDevice{}, fmt.Errorf("line %d: %s: %w", blockStart, key, err)
		}
	}

	if dev.Name == "" {
		return PollDevice{}, fmt.Errorf("line %d: %w", blockStart, ErrMissingName)
	}
	if !dev.Address.IsValid() {
		return PollDevice{}, fmt.Errorf("line %d: %w (device %q)", blockStart, ErrMissingAddress, dev.Name)
	}
	return dev, nil
}

// parseMinutes interprets a bare integer as minutes, the pollfile's
// historical unit for poll intervals.
func parseMinutes(s string) (time.Duration, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad interval %q", s)
	}
	return time.Duration(n) * time.Minute, nil
}

func parseSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad timeout %q", s)
	}
	return time.Duration(n) * time.Second, nil
}

func parseMaxRepetitions(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad max-repetitions %q", s)
	}
	return n, nil
}

// parseYesNo handles the yes/no flags of legacy pollfiles, tolerating the
// on/off and true/false spellings too.
func parseYesNo(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "on", "true", "1":
		return true, nil
	case "no", "off", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("bad boolean %q (want yes or no)", s)
	}
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return uint16(n), nil
}

// normalizeSNMPVersion accepts the spellings seen in legacy pollfiles.
func normalizeSNMPVersion(s string) (string, error) {
	switch strings.ToLower(s) {
	case "1", "v1":
		return "1", nil
	case "2", "2c", "v2", "v2c":
		return "2c", nil
	default:
		return "", fmt.Errorf("unsupported snmp version %q", s)
	}
}
