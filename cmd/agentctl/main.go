// Command agentctl is the operator CLI: it starts the server, issues and
// rotates the bearer token clients pair with, and doubles as a manual test
// client for driving a conversation from a terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

var defaultDataDir = dataDir()

func dataDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/tmp"
		}
		configDir = home + "/.config"
	}
	return configDir + "/agentctl"
}

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "agentctl — remote control server for coding-agent CLIs",
}

func init() {
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(chatCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agentctl " + version)
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
