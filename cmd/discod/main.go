// Command discod runs one discovery node.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootCmd is a bare root command whose only job is to host the start
// subcommand.
func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discod",
		Short: "Peer-to-peer key discovery node",
	}
	cmd.AddCommand(startCmd())
	return cmd
}
