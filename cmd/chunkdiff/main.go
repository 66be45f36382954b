// Package main provides the entry point for the chunkdiff CLI.
package main

import (
	"os"

	"github.com/hupe1980/chunkdiff/cmd/chunkdiff/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
