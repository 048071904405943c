package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// These should be set via `go build` during a release.
var (
	GitCommit = "undefined"
	Version   = "local"
)

func main() {
	// path config.yaml
	defaultPath := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		defaultPath = v
	}

	var configPath string
	root := cobra.Command{
		Use:           "api",
		Short:         "Compliance scan orchestration service",
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultPath, "path to config.yaml")

	root.AddCommand(
		newServeCommand(&configPath),
		newReapCommand(&configPath),
		newMigrateCommand(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
