package main

import (
	"os"

	"github.com/willibrandon/KernelFlow/cmd/kflow/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
