// Package server implements the legacy text protocols: the command channel
// (port 8001) with challenge-response authentication and the notify channel
// (port 8002) that streams event changes to tied sessions.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dantte-lp/gozino/internal/config"
	"github.com/dantte-lp/gozino/internal/device"
	"github.com/dantte-lp/gozino/internal/event"
	"github.com/dantte-lp/gozino/internal/flap"
	"github.com/dantte-lp/gozino/internal/pm"
	appversion "github.com/dantte-lp/gozino/internal/version"
)

// Poller is the slice of the task manager the command channel drives.
type Poller interface {
	PollRouter(name string) error
	PollInterface(name string, ifindex int) error
}

// APIServer serves the command channel.
type APIServer struct {
	addr        string
	secretsFile string
	logger      *slog.Logger

	events   *event.Store
	pms      *pm.Store
	registry *device.Registry
	flaps    *flap.Tracker
	poller   Poller
	notify   *NotifyServer

	wg sync.WaitGroup
}

// Options carries the API server's collaborators.
type Options struct {
	Config      config.ServerConfig
	SecretsFile string
	Logger      *slog.Logger

	Events   *event.Store
	PMs      *pm.Store
	Registry *device.Registry
	Flaps    *flap.Tracker
	Poller   Poller
	Notify   *NotifyServer
}

// NewAPIServer returns a command channel server.
func NewAPIServer(opts Options) *APIServer {
	return &APIServer{
		addr:        opts.Config.APIAddr,
		secretsFile: opts.SecretsFile,
		logger:      opts.Logger,
		events:      opts.Events,
		pms:         opts.PMs,
		registry:    opts.Registry,
		flaps:       opts.Flaps,
		poller:      opts.Poller,
		notify:      opts.Notify,
	}
}

// Run accepts command connections until the context is canceled.
func (s *APIServer) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.addr, err)
	}
	s.logger.Info("api server listening", slog.String("addr", s.addr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return ctx.Err()
			}
			s.logger.Warn("api accept failed", slog.Any("error", err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(ctx, conn)
		}()
	}
}

// session is one command connection's state.
type session struct {
	srv  *APIServer
	conn net.Conn
	in   *bufio.Reader
	resp responder

	challenge     string
	challengeUsed bool
	authenticated bool
	user          string

	tied *notifyChannel
}

func (s *APIServer) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sess := &session{
		srv:       s,
		conn:      conn,
		in:        bufio.NewReader(conn),
		resp:      responder{w: bufio.NewWriter(conn)},
		challenge: NewChallenge(),
	}
	defer func() {
		if sess.tied != nil {
			sess.tied.goodbye()
		}
	}()

	sess.resp.status(200, sess.challenge+" Hello, there")

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := sess.readLine()
		if err != nil {
			return
		}
		if line == "" {
			continue
		}
		if quit := sess.dispatch(line); quit {
			return
		}
	}
}

func (sess *session) readLine() (string, error) {
	raw, err := sess.in.ReadBytes('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(decodeLine(raw), "\r\n"), nil
}

// readMultiline collects dot-terminated input lines, un-stuffed and
// whitespace-trimmed.
func (sess *session) readMultiline() ([]string, error) {
	var lines []string
	for {
		line, err := sess.readLine()
		if err != nil {
			return nil, err
		}
		if line == "." {
			return lines, nil
		}
		lines = append(lines, strings.TrimSpace(unstuff(line)))
	}
}

// dispatch handles one command line and reports whether the session should
// end. Commands are case-insensitive; arguments keep their case.
func (sess *session) dispatch(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	if !sess.authenticated {
		switch cmd {
		case "USER", "HELP", "QUIT", "VERSION":
		default:
			sess.resp.error("not authenticated")
			return false
		}
	}

	switch cmd {
	case "USER":
		sess.cmdUser(args)
	case "QUIT":
		sess.resp.status(205, "Bye")
		return true
	case "HELP":
		sess.cmdHelp()
	case "VERSION":
		sess.resp.status(200, "zino version is "+appversion.Version)
	case "CASEIDS":
		sess.cmdCaseIDs()
	case "GETATTRS":
		sess.withEvent(args, sess.cmdGetAttrs)
	case "GETHIST":
		sess.withEvent(args, func(ev *event.Event) {
			sess.resp.list(301, "history follows, terminated with '.'", renderEntries(ev.History))
		})
	case "GETLOG":
		sess.withEvent(args, func(ev *event.Event) {
			sess.resp.list(300, "log follows, terminated with '.'", renderEntries(ev.Log))
		})
	case "SETSTATE":
		sess.cmdSetState(args)
	case "ADDHIST":
		sess.withEvent(args, sess.cmdAddHist)
	case "COMMUNITY":
		sess.cmdCommunity(args)
	case "NTIE":
		sess.cmdNtie(args)
	case "POLLRTR":
		sess.cmdPollRtr(args)
	case "POLLINTF":
		sess.cmdPollIntf(args)
	case "CLEARFLAP":
		sess.cmdClearFlap(args)
	case "PM":
		sess.dispatchPM(args)
	default:
		sess.resp.error("Syntax error")
	}
	return false
}

func (sess *session) cmdUser(args []string) {
	if sess.authenticated {
		sess.resp.error("already authenticated")
		return
	}
	if len(args) != 2 {
		sess.resp.error("Syntax error")
		return
	}
	if sess.challengeUsed {
		sess.resp.error("challenge already used")
		return
	}
	sess.challengeUsed = true

	secrets, err := config.ReadSecrets(sess.srv.secretsFile, sess.srv.logger)
	if err != nil {
		sess.srv.logger.Error("cannot read secrets file", slog.Any("error", err))
		sess.resp.error(ErrAuthenticationFailure.Error())
		return
	}
	if err := Authenticate(args[0], args[1], sess.challenge, secrets); err != nil {
		sess.resp.error(err.Error())
		return
	}
	sess.authenticated = true
	sess.user = args[0]
	sess.srv.logger.Info("user authenticated",
		slog.String("user", sess.user),
		slog.String("peer", sess.conn.RemoteAddr().String()))
	sess.resp.ok()
}

var topCommands = []string{
	"ADDHIST", "CASEIDS", "CLEARFLAP", "COMMUNITY", "GETATTRS", "GETHIST",
	"GETLOG", "HELP", "NTIE", "PM", "POLLINTF", "POLLRTR", "QUIT",
	"SETSTATE", "USER", "VERSION",
}

var pmCommands = []string{
	"ADD", "ADDLOG", "CANCEL", "DETAILS", "HELP", "LIST", "LOG", "MATCHING",
}

func (sess *session) cmdHelp() {
	visible := topCommands
	if !sess.authenticated {
		visible = []string{"HELP", "QUIT", "USER", "VERSION"}
	}
	sess.resp.continued(200, append([]string{"commands are:"}, wrap(visible, 56)...))
}

// wrap joins words into lines of at most width characters.
func wrap(words []string, width int) []string {
	var lines []string
	var cur string
	for _, w := range words {
		switch {
		case cur == "":
			cur = w
		case len(cur)+1+len(w) <= width:
			cur += " " + w
		default:
			lines = append(lines, cur)
			cur = w
		}
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}

func (sess *session) cmdCaseIDs() {
	ids := sess.srv.events.OpenIDs()
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, strconv.Itoa(id))
	}
	sess.resp.list(304, "list of active cases follows, terminated with '.'", lines)
}

// withEvent resolves the leading case id argument and calls fn with the
// event.
func (sess *session) withEvent(args []string, fn func(ev *event.Event)) {
	if len(args) != 1 {
		sess.resp.error("Syntax error")
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		sess.resp.error(fmt.Sprintf("event %q does not exist", args[0]))
		return
	}
	ev, err := sess.srv.events.Get(id)
	if err != nil {
		sess.resp.error(fmt.Sprintf("event %q does not exist", args[0]))
		return
	}
	fn(ev)
}

func (sess *session) cmdGetAttrs(ev *event.Event) {
	attrs := ev.Attrs()
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, name+": "+attrs[name])
	}
	sess.resp.list(303, "simple attributes follow, terminated with '.'", lines)
}

func (sess *session) cmdSetState(args []string) {
	if len(args) != 2 {
		sess.resp.error("Syntax error")
		return
	}
	state, ok := event.ParseState(args[1])
	if !ok {
		sess.resp.error("state must be one of open, working, waiting, confirm-wait, ignored, closed")
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		sess.resp.error(fmt.Sprintf("event %q does not exist", args[0]))
		return
	}
	err = sess.srv.events.Update(id, func(ev *event.Event) error {
		return ev.SetState(state, sess.user, sess.srv.events.Now())
	})
	switch {
	case errors.Is(err, event.ErrNotFound):
		sess.resp.error(fmt.Sprintf("event %q does not exist", args[0]))
	case errors.Is(err, event.ErrIllegalTransition):
		sess.resp.error(fmt.Sprintf("cannot reopen closed event %d", id))
	case err != nil:
		sess.resp.error(err.Error())
	default:
		sess.resp.ok()
	}
}

func (sess *session) cmdAddHist(ev *event.Event) {
	sess.resp.status(302, "please provide new history entry, terminate with '.'")
	lines, err := sess.readMultiline()
	if err != nil {
		return
	}
	message := sess.user + "\n" + strings.Join(lines, "\n")

	err = sess.srv.events.Update(ev.ID, func(out *event.Event) error {
		out.AddHistory(message, sess.srv.events.Now())
		return nil
	})
	if err != nil {
		sess.resp.error(fmt.Sprintf("event %q does not exist", strconv.Itoa(ev.ID)))
		return
	}
	sess.resp.ok()
}

func (sess *session) cmdCommunity(args []string) {
	if len(args) != 1 {
		sess.resp.error("Syntax error")
		return
	}
	dev, ok := sess.srv.registry.Get(args[0])
	if !ok {
		sess.resp.error("router unknown")
		return
	}
	sess.resp.status(201, dev.Community)
}

func (sess *session) cmdNtie(args []string) {
	if len(args) != 1 {
		sess.resp.error("Syntax error")
		return
	}
	ch, err := sess.srv.notify.Tie(args[0])
	if err != nil {
		sess.resp.error(err.Error())
		return
	}
	sess.tied = ch
	sess.srv.logger.Info("session tied to notify channel",
		slog.String("peer", sess.conn.RemoteAddr().String()))
	sess.resp.ok()
}

func (sess *session) cmdPollRtr(args []string) {
	if len(args) != 1 {
		sess.resp.error("Syntax error")
		return
	}
	if err := sess.srv.poller.PollRouter(args[0]); err != nil {
		sess.resp.error(fmt.Sprintf("router %s unknown", args[0]))
		return
	}
	sess.resp.ok()
}

func (sess *session) cmdPollIntf(args []string) {
	if len(args) != 2 {
		sess.resp.error("Syntax error")
		return
	}
	ifindex, err := strconv.Atoi(args[1])
	if err != nil {
		sess.resp.error(fmt.Sprintf("%s is an invalid ifindex value", args[1]))
		return
	}
	if ifindex < 0 {
		ifindex = -ifindex
	}
	if err := sess.srv.poller.PollInterface(args[0], ifindex); err != nil {
		sess.resp.error(fmt.Sprintf("router %s unknown", args[0]))
		return
	}
	sess.resp.ok()
}

// cmdClearFlap resets flap tracking for a port. The portstate event, when
// one is open, goes back to stable with zeroed counters but stays open.
func (sess *session) cmdClearFlap(args []string) {
	if len(args) != 2 {
		sess.resp.error("Syntax error")
		return
	}
	router := args[0]
	if _, ok := sess.srv.registry.Get(router); !ok {
		sess.resp.error(fmt.Sprintf("router %s unknown", router))
		return
	}
	ifindex, err := strconv.Atoi(args[1])
	if err != nil {
		sess.resp.error(fmt.Sprintf("%s is an invalid ifindex value", args[1]))
		return
	}
	if ifindex < 0 {
		ifindex = -ifindex
	}

	sess.srv.flaps.Clear(router, ifindex)

	if id, ok := sess.srv.events.Lookup(router, strconv.Itoa(ifindex), event.TypePortState); ok {
		err := sess.srv.events.Update(id, func(ev *event.Event) error {
			ev.FlapState = event.FlapStateStable
			ev.Flaps = 0
			ev.ACDown = 0
			ev.AddLog(fmt.Sprintf("flap counters cleared (%s)", sess.user), sess.srv.events.Now())
			return nil
		})
		if err != nil && !errors.Is(err, event.ErrNotFound) {
			sess.resp.error(err.Error())
			return
		}
	}
	sess.resp.ok()
}
