package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information, overridden with -ldflags "-X main.version=...".
var (
	version     = "0.1.0"
	buildDate   = "unknown"
	buildCommit = "dev"
)

const projectRepo = "github.com/ducminhle1904/signal-risk-engine"

// VersionInfo contains version and build information
type VersionInfo struct {
	Version      string `json:"version"`
	BuildDate    string `json:"build_date"`
	BuildCommit  string `json:"build_commit"`
	GoVersion    string `json:"go_version"`
	Architecture string `json:"architecture"`
	Repository   string `json:"repository"`
}

func getVersionInfo() VersionInfo {
	return VersionInfo{
		Version:      version,
		BuildDate:    buildDate,
		BuildCommit:  buildCommit,
		GoVersion:    runtime.Version(),
		Architecture: runtime.GOOS + "/" + runtime.GOARCH,
		Repository:   projectRepo,
	}
}

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := getVersionInfo()
		if versionJSON {
			data, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "risk-engine v%s\n", info.Version)
		fmt.Fprintf(cmd.OutOrStdout(), "Build: %s (%s)\n", info.BuildCommit, info.BuildDate)
		fmt.Fprintf(cmd.OutOrStdout(), "Go: %s (%s)\n", info.GoVersion, info.Architecture)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print as JSON")
}
