// Command svidserve runs an mTLS HTTP service whose credentials are issued
// and rotated on disk by a workload-identity agent.
package main

import (
	"fmt"
	"os"

	"github.com/itsaakashpatel/svidserve/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
