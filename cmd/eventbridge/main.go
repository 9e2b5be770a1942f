package main

import (
	"os"

	"github.com/eventbridge-systems/eventbridge/cmd/eventbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
