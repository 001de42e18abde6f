package main

import (
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "nodeping",
		Short:         "Keep Nodepay nodes active across many accounts and proxies",
		Long:          "nodeping establishes a session for every (token, proxy) pair, pings each one on a fixed cadence and replaces proxies that stop working. Each token uses at most three proxies at a time.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newVersionCmd(),
	)
	return rootCmd
}
