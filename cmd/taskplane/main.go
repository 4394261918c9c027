// Package main is the entry point for the taskplane binary. It hosts
// both the operator-facing commands and the dispatch subcommand that
// serves as the remote-process entry point for separate-process units.
package main

import (
	"os"

	"taskplane/cmd/taskplane/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
