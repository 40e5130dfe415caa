// Package commands implements the zinoctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatAttrs renders `key: value` attribute lines in the requested format.
func formatAttrs(lines []string, format string) (string, error) {
	switch format {
	case formatJSON:
		attrs := map[string]string{}
		for _, line := range lines {
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			attrs[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
		out, err := json.MarshalIndent(attrs, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal attributes: %w", err)
		}
		return string(out) + "\n", nil
	case formatTable:
		var b strings.Builder
		w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		for _, line := range lines {
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\n", strings.TrimSpace(key), strings.TrimSpace(value))
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush table: %w", err)
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// historyEntry is one timestamped entry from a history or log body.
type historyEntry struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// parseEntries folds a history body into entries. Entry headers are
// `<unix-timestamp> <first line>`; continuation lines start with a space.
func parseEntries(lines []string) []historyEntry {
	var entries []historyEntry
	for _, line := range lines {
		if strings.HasPrefix(line, " ") {
			if len(entries) > 0 {
				last := &entries[len(entries)-1]
				last.Text += "\n" + strings.TrimPrefix(line, " ")
			}
			continue
		}
		tsField, rest, _ := strings.Cut(line, " ")
		ts, err := strconv.ParseInt(tsField, 10, 64)
		if err != nil {
			// Not a header line; keep it attached to the previous entry.
			if len(entries) > 0 {
				last := &entries[len(entries)-1]
				last.Text += "\n" + line
			}
			continue
		}
		entries = append(entries, historyEntry{Time: time.Unix(ts, 0), Text: rest})
	}
	return entries
}

// formatEntries renders history entries in the requested format.
func formatEntries(lines []string, format string) (string, error) {
	entries := parseEntries(lines)
	switch format {
	case formatJSON:
		out, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal entries: %w", err)
		}
		return string(out) + "\n", nil
	case formatTable:
		var b strings.Builder
		for _, e := range entries {
			stamp := e.Time.Format(time.RFC3339)
			for i, textLine := range strings.Split(e.Text, "\n") {
				if i == 0 {
					fmt.Fprintf(&b, "%s  %s\n", stamp, textLine)
				} else {
					fmt.Fprintf(&b, "%*s  %s\n", len(stamp), "", textLine)
				}
			}
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatList renders plain body lines, one per output line.
func formatList(lines []string, format string) (string, error) {
	switch format {
	case formatJSON:
		out, err := json.MarshalIndent(lines, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal list: %w", err)
		}
		return string(out) + "\n", nil
	case formatTable:
		if len(lines) == 0 {
			return "", nil
		}
		return strings.Join(lines, "\n") + "\n", nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
