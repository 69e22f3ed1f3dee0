// Package main is the entry point for demuxd.
package main

import (
	"os"

	"github.com/jmylchreest/demuxd/cmd/demuxd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
