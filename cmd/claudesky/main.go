package main

import (
	"os"

	"github.com/jasonkneen/claudesky/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
