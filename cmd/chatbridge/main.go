// Package main provides the entry point for the chatbridge CLI.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/chatbridge/cmd/chatbridge/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
