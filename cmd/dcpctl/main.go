// Command dcpctl is an operational CLI for exercising a producer and
// consumer pair without a real Couchbase cluster, and for dumping
// connection-map stats.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dcpctl",
	Short: "operate a dcp-replicator producer/consumer pair",
}

func init() {
	rootCmd.AddCommand(commandDemo())
	rootCmd.AddCommand(commandStats())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}
