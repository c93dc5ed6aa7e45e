package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-governance-kernel/internal/policy"
)

var checkAgents []string

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyCheckCmd)
	policyCheckCmd.Flags().StringSliceVar(&checkAgents, "agent", nil, "print the effective policy for these agent IDs")
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Work with policy documents",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a policy document and print the composed bindings",
	Long: "Loads the document strictly: unknown fields, bad patterns, loosening overrides and " +
		"unknown policy references fail. Exit code is non-zero on any configuration error.",
	Args: cobra.ExactArgs(1),
	RunE: runPolicyCheck,
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	set, err := policy.LoadFile(args[0])
	if err != nil {
		return err
	}
	reg, err := policy.NewStaticRegistry(set, nil)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "policies (%d):\n", len(set.Order))
	for _, name := range set.Order {
		p, _ := set.Get(name)
		fmt.Fprintf(out, "  %s\n", policy.Describe(p))
	}

	agents := make([]string, 0, len(set.Bindings))
	for agent := range set.Bindings {
		agents = append(agents, agent)
	}
	slices.Sort(agents)
	fmt.Fprintf(out, "bindings (%d):\n", len(agents))
	for _, agent := range agents {
		p, _ := reg.Effective(agent)
		fmt.Fprintf(out, "  %s <- %s: %s\n", agent, strings.Join(set.Bindings[agent], " + "), policy.Describe(p))
	}

	for _, agent := range checkAgents {
		p, ok := reg.Effective(agent)
		if !ok {
			fmt.Fprintf(out, "effective %s: no policy bound (default deny)\n", agent)
			continue
		}
		fmt.Fprintf(out, "effective %s: %s\n", agent, policy.Describe(p))
	}
	return nil
}
