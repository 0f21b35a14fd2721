package main

import (
	"os"

	"github.com/calder-labs/stagecoach/internal/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
