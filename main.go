package main

import (
	"os"

	"github.com/abhisek/beamtree/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
