// Command livenessctl runs liveness checks on local image files against a
// model host.
package main

import (
	"fmt"
	"os"

	"github.com/example/liveness-check/internal/config"
)

func main() {
	cfg, err := config.LoadLocal()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCmd(newApp(cfg)).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
