// Command wardend runs the Warden agent and talks to its operator API.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
	apiToken   string
	outputJSON bool

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wardend",
	Short: "Autonomous agent runtime with governed tools",
	Long: `wardend runs a long-lived agent that survives restarts, acts under
operator governance, spends within a budget and retries failed work.

Run the daemon with "wardend run"; the other subcommands talk to a running
daemon over its operator API.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("WARDEN_CONFIG"), "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("WARDEN_API_URL", "http://localhost:8080"), "operator API base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("WARDEN_SERVER_OPERATOR_TOKEN"), "operator bearer token")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print raw JSON")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
