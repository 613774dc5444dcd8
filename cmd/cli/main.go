// Package main is the entry point for jobctl.
// jobctl submits jobs to the orchestrator and inspects a worker's admin API.
package main

import (
	"jobagent/cmd/cli/cmd"
	"os"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
