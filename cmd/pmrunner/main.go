// Package main provides the entry point for the pmrunner CLI.
package main

import (
	"os"

	"github.com/randalmurphal/pmrunner/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
