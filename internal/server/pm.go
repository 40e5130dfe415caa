package server

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dantte-lp/gozino/internal/event"
	"github.com/dantte-lp/gozino/internal/pm"
)

// dispatchPM handles the PM subcommand family.
func (sess *session) dispatchPM(args []string) {
	if len(args) == 0 {
		sess.resp.error("PM requires a subcommand")
		return
	}
	sub := strings.ToUpper(args[0])
	args = args[1:]

	switch sub {
	case "HELP":
		sess.resp.continued(200, append([]string{"PM subcommands are:"}, wrap(pmCommands, 56)...))
	case "LIST":
		sess.cmdPMList()
	case "ADD":
		sess.cmdPMAdd(args)
	case "CANCEL":
		sess.withPM(args, func(p *pm.PM) {
			if err := sess.srv.pms.Cancel(p.ID); err != nil {
				sess.resp.error(fmt.Sprintf("pm %d does not exist", p.ID))
				return
			}
			sess.resp.ok()
		})
	case "DETAILS":
		sess.withPM(args, sess.cmdPMDetails)
	case "ADDLOG":
		sess.withPM(args, sess.cmdPMAddLog)
	case "LOG":
		sess.withPM(args, func(p *pm.PM) {
			sess.resp.list(300, "log follows, terminated with '.'", renderEntries(p.Log))
		})
	case "MATCHING":
		sess.withPM(args, sess.cmdPMMatching)
	default:
		sess.resp.error("Syntax error")
	}
}

// withPM resolves the leading pm id argument and calls fn.
func (sess *session) withPM(args []string, fn func(p *pm.PM)) {
	if len(args) != 1 {
		sess.resp.error("Syntax error")
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		sess.resp.error(fmt.Sprintf("pm %q does not exist", args[0]))
		return
	}
	p, err := sess.srv.pms.Get(id)
	if err != nil {
		sess.resp.error(fmt.Sprintf("pm %q does not exist", args[0]))
		return
	}
	fn(p)
}

func (sess *session) cmdPMList() {
	ids := sess.srv.pms.IDs()
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, strconv.Itoa(id))
	}
	sess.resp.list(300, "PM event ids follows, terminated with '.'", lines)
}

// cmdPMAdd parses PM ADD <from> <to> <type> <match-type> [<device>] <expr>.
// The device argument only exists for intf-regexp matches.
func (sess *session) cmdPMAdd(args []string) {
	if len(args) < 5 {
		sess.resp.error("Syntax error")
		return
	}
	from, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		sess.resp.error("illegal from_t (param 1), must be only digits")
		return
	}
	to, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		sess.resp.error("illegal to_t (param 2), must be only digits")
		return
	}
	if to <= from {
		sess.resp.error("ending time is before starting time")
		return
	}
	if from < sess.srv.pms.Now().Unix() {
		sess.resp.error("starting time is in the past")
		return
	}

	target := pm.TargetType(args[2])
	match := pm.MatchType(args[3])

	var expr, matchDevice string
	switch match {
	case pm.MatchIntfRegexp:
		if len(args) != 6 {
			sess.resp.error("Syntax error")
			return
		}
		matchDevice = args[4]
		expr = args[5]
	default:
		if len(args) != 5 {
			sess.resp.error("Syntax error")
			return
		}
		expr = args[4]
	}

	id, err := sess.srv.pms.Add(time.Unix(from, 0), time.Unix(to, 0), target, match, expr, matchDevice)
	if err != nil {
		sess.resp.error(err.Error())
		return
	}
	sess.resp.status(200, fmt.Sprintf("PM id %d successfully added", id))
}

func (sess *session) cmdPMDetails(p *pm.PM) {
	fields := []string{
		strconv.Itoa(p.ID),
		strconv.FormatInt(p.Start.Unix(), 10),
		strconv.FormatInt(p.End.Unix(), 10),
		string(p.Type),
		string(p.MatchType),
	}
	if p.MatchType == pm.MatchIntfRegexp {
		fields = append(fields, p.MatchDevice)
	}
	fields = append(fields, p.MatchExpr)
	sess.resp.status(200, strings.Join(fields, " "))
}

func (sess *session) cmdPMAddLog(p *pm.PM) {
	sess.resp.status(302, "please provide new PM log entry, terminate with '.'")
	lines, err := sess.readMultiline()
	if err != nil {
		return
	}
	message := sess.user + "\n" + strings.Join(lines, "\n")
	if err := sess.srv.pms.AddLog(p.ID, message); err != nil {
		sess.resp.error(fmt.Sprintf("pm %d does not exist", p.ID))
		return
	}
	sess.resp.ok()
}

// cmdPMMatching lists what a maintenance window would cover right now, by
// matching it against synthetic events for every registered device and port.
func (sess *session) cmdPMMatching(p *pm.PM) {
	var lines []string
	for _, name := range sess.srv.registry.Names() {
		switch p.Type {
		case pm.TargetDevice:
			cand := &event.Event{Router: name, Type: event.TypeReachability}
			if p.Matches(cand) {
				lines = append(lines, fmt.Sprintf("%d device %s", p.ID, name))
			}
		case pm.TargetPortState:
			// A detached copy: the device's poll tasks keep mutating the
			// live state, and the device may have vanished since Names.
			st := sess.srv.registry.StateCopy(name)
			if st == nil {
				continue
			}
			for ifindex, port := range st.Ports {
				cand := &event.Event{
					Router:   name,
					Subindex: strconv.Itoa(ifindex),
					Type:     event.TypePortState,
					Port:     port.Descr,
					Descr:    port.Alias,
				}
				if p.Matches(cand) {
					lines = append(lines, fmt.Sprintf("%d portstate %s %d %s %s",
						p.ID, name, ifindex, port.Descr, port.Alias))
				}
			}
		}
	}
	sort.Strings(lines)
	sess.resp.list(300, "Matching ports/devices follows, terminated with '.'", lines)
}
