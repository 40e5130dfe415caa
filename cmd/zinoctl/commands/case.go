package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func caseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "case",
		Short: "Inspect and manage events",
	}

	cmd.AddCommand(caseListCmd())
	cmd.AddCommand(caseShowCmd())
	cmd.AddCommand(caseHistoryCmd())
	cmd.AddCommand(caseLogCmd())
	cmd.AddCommand(caseSetStateCmd())
	cmd.AddCommand(caseAddHistCmd())

	return cmd
}

// parseEventID validates an event id argument before it goes on the wire.
func parseEventID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("parse event id %q: %w", arg, err)
	}
	return id, nil
}

// --- case list ---

func caseListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the ids of all open events",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()

			ids, err := s.list("CASEIDS")
			if err != nil {
				return fmt.Errorf("list events: %w", err)
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

// --- case show ---

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show the attributes of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseEventID(args[0])
			if err != nil {
				return err
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()

			attrs, err := s.list(fmt.Sprintf("GETATTRS %d", id))
			if err != nil {
				return fmt.Errorf("get attributes: %w", err)
			}
			out, err := formatAttrs(attrs, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- case history / case log ---

func caseHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the operator history of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return showEntries(args[0], "GETHIST")
		},
	}
}

func caseLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <id>",
		Short: "Show the machine log of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return showEntries(args[0], "GETLOG")
		},
	}
}

func showEntries(arg, verb string) error {
	id, err := parseEventID(arg)
	if err != nil {
		return err
	}
	s, err := dial()
	if err != nil {
		return err
	}
	defer s.Close()

	lines, err := s.list(fmt.Sprintf("%s %d", verb, id))
	if err != nil {
		return fmt.Errorf("fetch entries: %w", err)
	}
	out, err := formatEntries(lines, outputFormat)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

// --- case setstate ---

func caseSetStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setstate <id> <state>",
		Short: "Set the operator state of an event",
		Long: "Sets the event state. Valid states are open, working, waiting," +
			" confirm-wait, ignored and closed. Closed is terminal.",
		Args: cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseEventID(args[0])
			if err != nil {
				return err
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.run(fmt.Sprintf("SETSTATE %d %s", id, args[1])); err != nil {
				return fmt.Errorf("set state: %w", err)
			}
			fmt.Printf("Event %d set to %s.\n", id, args[1])
			return nil
		},
	}
}

// --- case addhist ---

func caseAddHistCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "addhist <id>",
		Short: "Append a history entry to an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("--message is required")
			}
			id, err := parseEventID(args[0])
			if err != nil {
				return err
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()

			body := strings.Split(message, "\n")
			if _, err := s.submit(fmt.Sprintf("ADDHIST %d", id), body); err != nil {
				return fmt.Errorf("add history: %w", err)
			}
			fmt.Printf("History added to event %d.\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "history text (may be multi-line)")

	return cmd
}
