package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dantte-lp/gozino/internal/config"
	"github.com/dantte-lp/gozino/internal/device"
	"github.com/dantte-lp/gozino/internal/event"
	"github.com/dantte-lp/gozino/internal/flap"
	"github.com/dantte-lp/gozino/internal/pm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type pollCall struct {
	kind    string
	device  string
	ifindex int
}

type fakePoller struct {
	calls []pollCall
}

func (f *fakePoller) PollRouter(name string) error {
	f.calls = append(f.calls, pollCall{kind: "rtr", device: name})
	return nil
}

func (f *fakePoller) PollInterface(name string, ifindex int) error {
	f.calls = append(f.calls, pollCall{kind: "intf", device: name, ifindex: ifindex})
	return nil
}

type fixture struct {
	srv      *APIServer
	events   *event.Store
	pms      *pm.Store
	registry *device.Registry
	flaps    *flap.Tracker
	poller   *fakePoller
	notify   *NotifyServer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	secrets := filepath.Join(t.TempDir(), "secrets")
	if err := os.WriteFile(secrets, []byte("operator password123\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	registry := device.NewRegistry()
	registry.Update([]config.PollDevice{{
		Name:      "uplink-gw",
		Address:   netip.MustParseAddr("10.0.0.1"),
		Community: "public",
		Interval:  5 * time.Minute,
	}})

	f := &fixture{
		events:   event.NewStore(),
		pms:      pm.NewStore(),
		registry: registry,
		flaps: flap.NewTracker(config.FlappingConfig{
			Window:        5 * time.Minute,
			ThresholdHigh: 3,
			ThresholdLow:  1,
			StabilizeTime: 2 * time.Minute,
		}),
		poller: &fakePoller{},
		notify: NewNotifyServer("127.0.0.1:0", 16, logger),
	}
	f.events.RegisterObserver(f.notify.ObserveEvent)
	f.srv = NewAPIServer(Options{
		Config:      config.ServerConfig{APIAddr: "127.0.0.1:0"},
		SecretsFile: secrets,
		Logger:      logger,
		Events:      f.events,
		PMs:         f.pms,
		Registry:    registry,
		Flaps:       f.flaps,
		Poller:      f.poller,
		Notify:      f.notify,
	})
	return f
}

// startSession runs one command session over a pipe and returns the client
// end.
func startSession(t *testing.T, f *fixture) (*bufio.Reader, net.Conn) {
	t.Helper()

	client, srvConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.srv.serve(ctx, srvConn)
	}()
	t.Cleanup(func() {
		cancel()
		client.Close()
		<-done
	})
	return bufio.NewReader(client), client
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// readList reads a multi-line response: the header plus data lines up to the
// terminating dot.
func readList(t *testing.T, r *bufio.Reader) (header string, lines []string) {
	t.Helper()
	header = readLine(t, r)
	for {
		line := readLine(t, r)
		if line == "." {
			return header, lines
		}
		lines = append(lines, line)
	}
}

func send(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
		t.Fatalf("send %q: %v", line, err)
	}
}

// authenticate reads the banner and completes the challenge-response
// handshake as the operator user.
func authenticate(t *testing.T, r *bufio.Reader, conn net.Conn) {
	t.Helper()
	banner := readLine(t, r)
	fields := strings.Fields(banner)
	if len(fields) < 2 || fields[0] != "200" {
		t.Fatalf("banner = %q", banner)
	}
	challenge := fields[1]
	if len(challenge) != 40 {
		t.Fatalf("challenge %q is not 40 hex chars", challenge)
	}
	send(t, conn, "USER operator "+challengeResponse(challenge, "password123"))
	if got := readLine(t, r); got != "200 ok" {
		t.Fatalf("auth response = %q, want 200 ok", got)
	}
}

// -------------------------------------------------------------------------
// Authentication and session basics
// -------------------------------------------------------------------------

func TestBannerAndChallengeResponse(t *testing.T) {
	f := newFixture(t)
	r, conn := startSession(t, f)
	authenticate(t, r, conn)

	send(t, conn, "VERSION")
	if got := readLine(t, r); !strings.HasPrefix(got, "200 zino version is ") {
		t.Errorf("VERSION response = %q", got)
	}
}

func TestPreAuthCommandsRejected(t *testing.T) {
	f := newFixture(t)
	r, conn := startSession(t, f)
	readLine(t, r)

	send(t, conn, "CASEIDS")
	if got := readLine(t, r); got != "500 not authenticated" {
		t.Errorf("pre-auth CASEIDS = %q, want 500 not authenticated", got)
	}
}

func TestWrongChallengeResponse(t *testing.T) {
	f := newFixture(t)
	r, conn := startSession(t, f)
	readLine(t, r)

	send(t, conn, "USER operator deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	if got := readLine(t, r); got != "500 authentication failure" {
		t.Errorf("bad auth = %q, want 500 authentication failure", got)
	}
}

func TestCommandsAreCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	r, conn := startSession(t, f)
	authenticate(t, r, conn)

	send(t, conn, "caseids")
	header, _ := readList(t, r)
	if !strings.HasPrefix(header, "304 ") {
		t.Errorf("lowercase caseids header = %q", header)
	}
}

func TestQuit(t *testing.T) {
	f := newFixture(t)
	r, conn := startSession(t, f)
	readLine(t, r)

	send(t, conn, "QUIT")
	if got := readLine(t, r); got != "205 Bye" {
		t.Errorf("QUIT = %q, want 205 Bye", got)
	}
	if _, err := r.ReadString('\n'); err == nil {
		t.Error("connection still open after QUIT")
	}
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	r, conn := startSession(t, f)
	authenticate(t, r, conn)

	send(t, conn, "FROBNICATE everything")
	if got := readLine(t, r); got != "500 Syntax error" {
		t.Errorf("unknown command = %q, want 500 Syntax error", got)
	}
}

func TestHelpBeforeAuthShowsSubset(t *testing.T) {
	f := newFixture(t)
	r, conn := startSession(t, f)
	readLine(t, r)

	send(t, conn, "HELP")
	var last string
	for {
		line := readLine(t, r)
		if strings.HasPrefix(line, "200  ") {
			last = line
			break
		}
		if !strings.HasPrefix(line, "200- ") {
			t.Fatalf("unexpected HELP line %q", line)
		}
		last += line
	}
	if !strings.Contains(last, "USER") {
		t.Errorf("pre-auth HELP %q lacks USER", last)
	}
	if strings.Contains(last, "CASEIDS") {
		t.Errorf("pre-auth HELP %q exposes authenticated commands", last)
	}
}

// -------------------------------------------------------------------------
// Case inspection and manipulation
// -------------------------------------------------------------------------

func TestCaseIDsAndGetAttrs(t *testing.T) {
	f := newFixture(t)
	ev, _ := f.events.GetOrCreate("uplink-gw", "", event.TypeReachability)
	ev.Reachability = event.NoResponse
	if err := f.events.Commit(ev); err != nil {
		t.Fatal(err)
	}

	r, conn := startSession(t, f)
	authenticate(t, r, conn)

	send(t, conn, "CASEIDS")
	header, ids := readList(t, r)
	if !strings.HasPrefix(header, "304 ") {
		t.Fatalf("CASEIDS header = %q", header)
	}
	if len(ids) != 1 || ids[0] != strconv.Itoa(ev.ID) {
		t.Fatalf("CASEIDS = %v, want [%d]", ids, ev.ID)
	}

	send(t, conn, "GETATTRS "+ids[0])
	header, attrs := readList(t, r)
	if !strings.HasPrefix(header, "303 ") {
		t.Fatalf("GETATTRS header = %q", header)
	}
	want := map[string]bool{
		"router: uplink-gw": false,
		"state: open":       false,
	}
	for _, line := range attrs {
		if _, ok := want[line]; ok {
			want[line] = true
		}
	}
	for line, seen := range want {
		if !seen {
			t.Errorf("GETATTRS output %v lacks %q", attrs, line)
		}
	}

	send(t, conn, "GETATTRS 9999")
	if got := readLine(t, r); got != `500 event "9999" does not exist` {
		t.Errorf("missing event = %q", got)
	}
}

func TestSetStateAndHistory(t *testing.T) {
	f := newFixture(t)
	ev, _ := f.events.GetOrCreate("uplink-gw", "", event.TypeReachability)
	if err := f.events.Commit(ev); err != nil {
		t.Fatal(err)
	}
	id := strconv.Itoa(ev.ID)

	r, conn := startSession(t, f)
	authenticate(t, r, conn)

	send(t, conn, "SETSTATE "+id+" working")
	if got := readLine(t, r); got != "200 ok" {
		t.Fatalf("SETSTATE = %q", got)
	}
	got, err := f.events.Get(ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != event.StateWorking {
		t.Errorf("state = %s, want working", got.State)
	}

	send(t, conn, "SETSTATE "+id+" bogus")
	if resp := readLine(t, r); !strings.HasPrefix(resp, "500 ") {
		t.Errorf("bogus state = %q, want 500", resp)
	}

	send(t, conn, "GETHIST "+id)
	header, hist := readList(t, r)
	if !strings.HasPrefix(header, "301 ") {
		t.Fatalf("GETHIST header = %q", header)
	}
	joined := strings.Join(hist, "\n")
	if !strings.Contains(joined, "operator") {
		t.Errorf("history %q does not attribute the state change", joined)
	}
}

func TestSetStateClosedIsTerminal(t *testing.T) {
	f := newFixture(t)
	ev, _ := f.events.GetOrCreate("uplink-gw", "", event.TypeReachability)
	if err := f.events.Commit(ev); err != nil {
		t.Fatal(err)
	}
	id := strconv.Itoa(ev.ID)

	r, conn := startSession(t, f)
	authenticate(t, r, conn)

	send(t, conn, "SETSTATE "+id+" closed")
	if got := readLine(t, r); got != "200 ok" {
		t.Fatalf("close = %q", got)
	}
	send(t, conn, "SETSTATE "+id+" open")
	if got := readLine(t, r); !strings.HasPrefix(got, "500 ") {
		t.Errorf("reopen = %q, want 500", got)
	}
}

func TestAddHist(t *testing.T) {
	f := newFixture(t)
	ev, _ := f.events.GetOrCreate("uplink-gw", "", event.TypeReachability)
	if err := f.events.Commit(ev); err != nil {
		t.Fatal(err)
	}

	r, conn := startSession(t, f)
	authenticate(t, r, conn)

	send(t, conn, "ADDHIST "+strconv.Itoa(ev.ID))
	if got := readLine(t, r); !strings.HasPrefix(got, "302 ") {
		t.Fatalf("ADDHIST prompt = %q", got)
	}
	send(t, conn, "checked the fiber")
	send(t, conn, "..literal dot line")
	send(t, conn, ".")
	if got := readLine(t, r); got != "200 ok" {
		t.Fatalf("ADDHIST = %q", got)
	}

	got, err := f.events.Get(ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := got.History[len(got.History)-1].Text
	want := "operator\nchecked the fiber\n.literal dot line"
	if last != want {
		t.Errorf("history entry = %q, want %q", last, want)
	}
}

func TestCommunity(t *testing.T) {
	f := newFixture(t)
	r, conn := startSession(t, f)
	authenticate(t, r, conn)

	send(t, conn, "COMMUNITY uplink-gw")
	if got := readLine(t, r); got != "201 public" {
		t.Errorf("COMMUNITY = %q, want 201 public", got)
	}
	send(t, conn, "COMMUNITY no-such-router")
	if got := readLine(t, r); got != "500 router unknown" {
		t.Errorf("unknown router = %q", got)
	}
}

// -------------------------------------------------------------------------
// Poll commands and flap clearing
// -------------------------------------------------------------------------

func TestPollCommands(t *testing.T) {
	f := newFixture(t)
	r, conn := startSession(t, f)
	authenticate(t, r, conn)

	send(t, conn, "POLLRTR uplink-gw")
	if got := readLine(t, r); got != "200 ok" {
		t.Fatalf("POLLRTR = %q", got)
	}
	send(t, conn, "POLLINTF uplink-gw -42")
	if got := readLine(t, r); got != "200 ok" {
		t.Fatalf("POLLINTF = %q", got)
	}
	send(t, conn, "POLLINTF uplink-gw fortytwo")
	if got := readLine(t, r); !strings.HasPrefix(got, "500 ") {
		t.Fatalf("bad ifindex = %q, want 500", got)
	}

	if len(f.poller.calls) != 2 {
		t.Fatalf("poller calls = %+v, want 2", f.poller.calls)
	}
	if f.poller.calls[0].kind != "rtr" {
		t.Errorf("first call = %+v, want rtr", f.poller.calls[0])
	}
	if f.poller.calls[1].ifindex != 42 {
		t.Errorf("negative ifindex was not normalized: %+v", f.poller.calls[1])
	}
}

func TestClearFlap(t *testing.T) {
	f := newFixture(t)
	ev, _ := f.events.GetOrCreate("uplink-gw", "42", event.TypePortState)
	ev.FlapState = event.FlapStateFlapping
	ev.Flaps = 7
	if err := f.events.Commit(ev); err != nil {
		t.Fatal(err)
	}

	r, conn := startSession(t, f)
	authenticate(t, r, conn)

	send(t, conn, "CLEARFLAP uplink-gw 42")
	if got := readLine(t, r); got != "200 ok" {
		t.Fatalf("CLEARFLAP = %q", got)
	}

	got, err := f.events.Get(ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FlapState != event.FlapStateStable || got.Flaps != 0 {
		t.Errorf("flapstate=%s flaps=%d, want stable/0", got.FlapState, got.Flaps)
	}
	if got.State == event.StateClosed {
		t.Error("CLEARFLAP closed the event")
	}
	last := got.Log[len(got.Log)-1].Text
	if last != "flap counters cleared (operator)" {
		t.Errorf("log entry = %q", last)
	}
}
