package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "uag",
	Short: "Governance kernel for AI agent tool calls",
	Long: "Intercepts every tool call an agent makes, decides ALLOW, DENY, ESCALATE or DEFER " +
		"against the bound policy and records the outcome in a hash-chained audit ledger.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
