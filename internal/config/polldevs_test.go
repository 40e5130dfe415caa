package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dantte-lp/gozino/internal/config"
)

const samplePollfile = `
# backbone routers
default community: s3cret
default interval: 10
default domain: example.org

name: oslo-gw1
address: 10.0.0.1

name: bergen-gw1
address: 10.0.0.2
community: override
interval: 1
do_bgp: no
max-repetitions: 25
watchpat: ^(ge|xe|et)-
ignorepat: \.0$
`

func TestParsePollDevices(t *testing.T) {
	devices, err := config.ParsePollDevices(strings.NewReader(samplePollfile))
	if err != nil {
		t.Fatalf("ParsePollDevices() error: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}

	oslo := devices[0]
	if got, want := oslo.Name, "oslo-gw1"; got != want {
		t.Errorf("devices[0].Name = %q, want %q", got, want)
	}
	if got, want := oslo.Address.String(), "10.0.0.1"; got != want {
		t.Errorf("devices[0].Address = %q, want %q", got, want)
	}
	if got, want := oslo.Community, "s3cret"; got != want {
		t.Errorf("devices[0].Community = %q, want %q", got, want)
	}
	if got, want := oslo.Interval, 10*time.Minute; got != want {
		t.Errorf("devices[0].Interval = %v, want %v", got, want)
	}
	if got, want := oslo.Domain, "example.org"; got != want {
		t.Errorf("devices[0].Domain = %q, want %q", got, want)
	}
	if !oslo.DoBGP {
		t.Error("devices[0].DoBGP = false, want default true")
	}
	if got, want := oslo.Priority, 100; got != want {
		t.Errorf("devices[0].Priority = %d, want builtin default %d", got, want)
	}

	bergen := devices[1]
	if got, want := bergen.Community, "override"; got != want {
		t.Errorf("devices[1].Community = %q, want %q", got, want)
	}
	if got, want := bergen.Interval, 1*time.Minute; got != want {
		t.Errorf("devices[1].Interval = %v, want %v", got, want)
	}
	if bergen.DoBGP {
		t.Error("devices[1].DoBGP = true, want false")
	}
	if got, want := bergen.MaxRepetitions, 25; got != want {
		t.Errorf("devices[1].MaxRepetitions = %d, want %d", got, want)
	}
	if oslo.MaxRepetitions != 0 {
		t.Errorf("devices[0].MaxRepetitions = %d, want unset", oslo.MaxRepetitions)
	}
	if bergen.WatchPat == nil || !bergen.WatchPat.MatchString("ge-0/0/0") {
		t.Error("devices[1].WatchPat does not match ge-0/0/0")
	}
	if bergen.IgnorePat == nil || !bergen.IgnorePat.MatchString("ge-0/0/0.0") {
		t.Error("devices[1].IgnorePat does not match ge-0/0/0.0")
	}
}

func TestParsePollDevicesDefaultsMidFile(t *testing.T) {
	input := `
name: a
address: 10.0.0.1

default interval: 2

name: b
address: 10.0.0.2
`
	devices, err := config.ParsePollDevices(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParsePollDevices() error: %v", err)
	}
	if got, want := devices[0].Interval, 5*time.Minute; got != want {
		t.Errorf("devices[0].Interval = %v, want builtin %v", got, want)
	}
	if got, want := devices[1].Interval, 2*time.Minute; got != want {
		t.Errorf("devices[1].Interval = %v, want %v", got, want)
	}
}

func TestParsePollDevicesErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name:    "missing colon",
			input:   "name oslo-gw1\n",
			wantErr: config.ErrPollfileSyntax,
		},
		{
			name:    "missing name",
			input:   "address: 10.0.0.1\n",
			wantErr: config.ErrMissingName,
		},
		{
			name:    "missing address",
			input:   "name: oslo-gw1\n",
			wantErr: config.ErrMissingAddress,
		},
		{
			name:    "duplicate device",
			input:   "name: x\naddress: 10.0.0.1\n\nname: x\naddress: 10.0.0.2\n",
			wantErr: config.ErrDuplicateDevice,
		},
		{
			name:    "unknown attribute",
			input:   "name: x\naddress: 10.0.0.1\nfavourite_colour: blue\n",
			wantErr: config.ErrUnknownAttribute,
		},
		{
			name:  "bad address",
			input: "name: x\naddress: not-an-ip\n",
		},
		{
			name:  "bad interval",
			input: "name: x\naddress: 10.0.0.1\ninterval: -3\n",
		},
		{
			name:  "bad watchpat",
			input: "name: x\naddress: 10.0.0.1\nwatchpat: [\n",
		},
		{
			name:  "bad boolean",
			input: "name: x\naddress: 10.0.0.1\ndo_bgp: maybe\n",
		},
		{
			name:  "bad max-repetitions",
			input: "name: x\naddress: 10.0.0.1\nmax-repetitions: -5\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParsePollDevices(strings.NewReader(tt.input))
			if err == nil {
				t.Fatal("ParsePollDevices() did not fail")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParsePollDevicesEmpty(t *testing.T) {
	devices, err := config.ParsePollDevices(strings.NewReader("# nothing here\n\n"))
	if err != nil {
		t.Fatalf("ParsePollDevices() error: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("got %d devices, want 0", len(devices))
	}
}
