package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverAddr is the daemon command channel address (host:port).
	serverAddr string

	// userName and secret authenticate against the daemon's secrets file.
	// The secret falls back to the ZINO_SECRET environment variable.
	userName string
	secret   string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string
)

// rootCmd is the top-level cobra command for zinoctl.
var rootCmd = &cobra.Command{
	Use:   "zinoctl",
	Short: "CLI client for the zino daemon",
	Long:  "zinoctl speaks the legacy line protocol to a running zino daemon to inspect and manage events.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8001",
		"zino daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&userName, "user", "",
		"user name from the daemon's secrets file")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", "",
		"shared secret (defaults to $ZINO_SECRET)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(pmCmd())
	rootCmd.AddCommand(communityCmd())
	rootCmd.AddCommand(clearFlapCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// dial opens an authenticated session using the persistent flags.
func dial() (*session, error) {
	sec := secret
	if sec == "" {
		sec = os.Getenv("ZINO_SECRET")
	}
	if userName == "" || sec == "" {
		return nil, fmt.Errorf("authentication requires --user and --secret (or $ZINO_SECRET)")
	}
	return connect(serverAddr, userName, sec)
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
