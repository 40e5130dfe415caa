package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func pmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pm",
		Short: "Manage planned maintenance windows",
	}

	cmd.AddCommand(pmListCmd())
	cmd.AddCommand(pmShowCmd())
	cmd.AddCommand(pmAddCmd())
	cmd.AddCommand(pmCancelCmd())
	cmd.AddCommand(pmMatchingCmd())
	cmd.AddCommand(pmLogCmd())

	return cmd
}

func parsePMID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("parse pm id %q: %w", arg, err)
	}
	return id, nil
}

// --- pm list ---

func pmListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List planned maintenance ids",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()

			ids, err := s.list("PM LIST")
			if err != nil {
				return fmt.Errorf("list maintenance windows: %w", err)
			}
			out, err := formatList(ids, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- pm show ---

func pmShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show the details of a maintenance window",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parsePMID(args[0])
			if err != nil {
				return err
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()

			msg, err := s.run(fmt.Sprintf("PM DETAILS %d", id))
			if err != nil {
				return fmt.Errorf("get maintenance details: %w", err)
			}
			fmt.Println(msg)
			return nil
		},
	}
}

// --- pm add ---

func pmAddCmd() *cobra.Command {
	var (
		from        string
		to          string
		target      string
		match       string
		matchDevice string
	)

	cmd := &cobra.Command{
		Use:   "add <expression>",
		Short: "Schedule a maintenance window",
		Long: "Schedules a maintenance window. Targets are device or portstate;" +
			" match types are exact, str, regexp or intf-regexp. The intf-regexp" +
			" match additionally needs --match-device. Times are RFC 3339 or unix" +
			" timestamps.",
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			fromT, err := parseWhen(from)
			if err != nil {
				return fmt.Errorf("parse --from: %w", err)
			}
			toT, err := parseWhen(to)
			if err != nil {
				return fmt.Errorf("parse --to: %w", err)
			}

			fields := []string{"PM", "ADD",
				strconv.FormatInt(fromT, 10), strconv.FormatInt(toT, 10),
				target, match}
			if match == "intf-regexp" {
				if matchDevice == "" {
					return fmt.Errorf("--match-device is required for intf-regexp")
				}
				fields = append(fields, matchDevice)
			}
			fields = append(fields, args[0])

			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()

			msg, err := s.run(strings.Join(fields, " "))
			if err != nil {
				return fmt.Errorf("add maintenance window: %w", err)
			}
			fmt.Println(msg)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&from, "from", "", "window start (RFC 3339 or unix timestamp)")
	flags.StringVar(&to, "to", "", "window end (RFC 3339 or unix timestamp)")
	flags.StringVar(&target, "target", "device", "target kind: device or portstate")
	flags.StringVar(&match, "match", "exact", "match type: exact, str, regexp, intf-regexp")
	flags.StringVar(&matchDevice, "match-device", "", "device name for intf-regexp matches")

	return cmd
}

// parseWhen accepts a unix timestamp or an RFC 3339 time.
func parseWhen(arg string) (int64, error) {
	if arg == "" {
		return 0, fmt.Errorf("time is required")
	}
	if ts, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return ts, nil
	}
	t, err := time.Parse(time.RFC3339, arg)
	if err != nil {
		return 0, fmt.Errorf("not a unix timestamp or RFC 3339 time: %q", arg)
	}
	return t.Unix(), nil
}

// --- pm cancel ---

func pmCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a maintenance window",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parsePMID(args[0])
			if err != nil {
				return err
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.run(fmt.Sprintf("PM CANCEL %d", id)); err != nil {
				return fmt.Errorf("cancel maintenance window: %w", err)
			}
			fmt.Printf("PM %d cancelled.\n", id)
			return nil
		},
	}
}

// --- pm matching ---

func pmMatchingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "matching <id>",
		Short: "Show the devices and ports a maintenance window matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parsePMID(args[0])
			if err != nil {
				return err
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()

			lines, err := s.list(fmt.Sprintf("PM MATCHING %d", id))
			if err != nil {
				return fmt.Errorf("list matches: %w", err)
			}
			out, err := formatList(lines, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- pm log ---

func pmLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <id>",
		Short: "Show the log of a maintenance window",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parsePMID(args[0])
			if err != nil {
				return err
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()

			lines, err := s.list(fmt.Sprintf("PM LOG %d", id))
			if err != nil {
				return fmt.Errorf("fetch log: %w", err)
			}
			out, err := formatEntries(lines, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}
