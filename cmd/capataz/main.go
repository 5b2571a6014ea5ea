// Package main is the entry point for the capataz orchestrator daemon.
package main

import (
	"fmt"
	"os"

	"github.com/sevir/capataz/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
