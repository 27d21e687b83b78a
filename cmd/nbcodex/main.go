// Package main provides the entry point for the nbcodex CLI.
package main

import (
	"fmt"
	"os"

	"github.com/nbcodex-ai/nbcodex/cmd/nbcodex/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
