// Package main provides the vodsync CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/vodsync/vodsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
