package server

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dantte-lp/gozino/internal/event"
)

// decodeLine interprets a received line as UTF-8, falling back to Latin-1
// when the bytes do not decode. Legacy clients predate UTF-8.
func decodeLine(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// responder writes protocol responses on one command connection. All writes
// are CR/LF terminated; multi-line data is dot-stuffed and terminated by a
// lone dot.
type responder struct {
	w *bufio.Writer
}

func (r *responder) raw(line string) {
	r.w.WriteString(line)
	r.w.WriteString("\r\n")
}

func (r *responder) status(code int, text string) {
	r.raw(fmt.Sprintf("%d %s", code, text))
	r.w.Flush()
}

func (r *responder) ok() {
	r.status(200, "ok")
}

func (r *responder) error(text string) {
	r.status(500, text)
}

// list sends a 3xx header, the data lines and the terminating dot. Data
// lines starting with a dot are stuffed with one more.
func (r *responder) list(code int, header string, lines []string) {
	r.raw(fmt.Sprintf("%d %s", code, header))
	for _, line := range lines {
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		r.raw(line)
	}
	r.raw(".")
	r.w.Flush()
}

// continued sends a continuation-style multi-line status: every line but the
// last carries a dash after the code.
func (r *responder) continued(code int, lines []string) {
	for i, line := range lines {
		if i < len(lines)-1 {
			r.raw(fmt.Sprintf("%d- %s", code, line))
		} else {
			r.raw(fmt.Sprintf("%d  %s", code, line))
		}
	}
	r.w.Flush()
}

// unstuff reverses dot-stuffing on one received data line.
func unstuff(line string) string {
	if strings.HasPrefix(line, "..") {
		return line[1:]
	}
	return line
}

// renderEntries dumps history or log entries in the legacy format: a UNIX
// timestamp and the first text line, then continuation lines indented by one
// space.
func renderEntries(entries []event.LogEntry) []string {
	var out []string
	for _, e := range entries {
		parts := strings.Split(e.Text, "\n")
		out = append(out, strconv.FormatInt(e.Time.Unix(), 10)+" "+parts[0])
		for _, cont := range parts[1:] {
			out = append(out, " "+cont)
		}
	}
	return out
}
