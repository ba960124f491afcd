// trainctl
// Terminal client for training runs: streams a run directly or follows a server surface.

package main

import (
	"os"

	"github.com/saltfish/trainstream/cmd/trainctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
