package main

import (
	"os"

	"github.com/faultline-systems/faultline/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
