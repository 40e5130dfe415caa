package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func pollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Trigger out-of-band polls",
	}

	cmd.AddCommand(pollRouterCmd())
	cmd.AddCommand(pollInterfaceCmd())

	return cmd
}

func pollRouterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "router <name>",
		Short: "Poll a router immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.run("POLLRTR " + args[0]); err != nil {
				return fmt.Errorf("poll router: %w", err)
			}
			fmt.Printf("Poll of %s queued.\n", args[0])
			return nil
		},
	}
}

func pollInterfaceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interface <router> <ifindex>",
		Short: "Poll a single interface immediately",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := strconv.Atoi(args[1]); err != nil {
				return fmt.Errorf("parse ifindex %q: %w", args[1], err)
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.run(fmt.Sprintf("POLLINTF %s %s", args[0], args[1])); err != nil {
				return fmt.Errorf("poll interface: %w", err)
			}
			fmt.Printf("Poll of %s ifindex %s queued.\n", args[0], args[1])
			return nil
		},
	}
}

func communityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "community <router>",
		Short: "Show the SNMP community configured for a router",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()

			msg, err := s.run("COMMUNITY " + args[0])
			if err != nil {
				return fmt.Errorf("get community: %w", err)
			}
			fmt.Println(msg)
			return nil
		},
	}
}

func clearFlapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clearflap <router> <ifindex>",
		Short: "Reset the flap counters of a port",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := strconv.Atoi(args[1]); err != nil {
				return fmt.Errorf("parse ifindex %q: %w", args[1], err)
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.run(fmt.Sprintf("CLEARFLAP %s %s", args[0], args[1])); err != nil {
				return fmt.Errorf("clear flap: %w", err)
			}
			fmt.Printf("Flap counters cleared for %s ifindex %s.\n", args[0], args[1])
			return nil
		},
	}
}
