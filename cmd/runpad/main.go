package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "runpad",
	Short: "runpad - run scripts in a sandbox and watch their output live",
	Long: `runpad stores uploaded scripts and executes them inside an isolated
container sandbox, streaming their output live to any number of viewers.

Scripts run with no network, bounded memory and CPU, and an unprivileged
identity; a per-run timeout kills anything that overstays.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
