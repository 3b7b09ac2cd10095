package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/itsaakashpatel/svidserve/internal/buildinfo"
)

// VersionInfo contains detailed version and build information.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	GOOS      string `json:"os"`
	GOARCH    string `json:"arch"`
}

// GetVersionInfo returns detailed version information.
func GetVersionInfo() *VersionInfo {
	info := buildinfo.Get()
	return &VersionInfo{
		Version:   info.Version,
		Commit:    info.CommitHash,
		BuildDate: info.BuildTime,
		GoVersion: runtime.Version(),
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
	}
}

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(_ *cobra.Command, _ []string) error {
		info := GetVersionInfo()
		if versionJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		fmt.Printf("svidserve %s (commit %s, built %s, %s %s/%s)\n",
			info.Version, info.Commit, info.BuildDate,
			info.GoVersion, info.GOOS, info.GOARCH)
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print version information as JSON")
}
