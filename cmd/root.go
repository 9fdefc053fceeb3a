package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ValentinKolb/willow/cmd/bench"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "willow",
		Short: "concurrent in-memory cache engine",
		Long: fmt.Sprintf(`willow (v%s)

A concurrent in-memory key-value cache library written in Go, with
frequency-aware (TinyLFU) eviction, TTL/TTI expiration and
single-flight loading. This binary bundles the engine's tooling.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of willow",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("willow v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
