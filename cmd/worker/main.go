// Package main is the entry point for jobagent, the worker process.
// "jobagent serve" runs the job poller and supervises one child process per
// continuous worker; "jobagent agent <name>" is the child itself.
package main

import (
	"os"

	"jobagent/cmd/worker/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
