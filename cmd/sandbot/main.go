package main

import (
	"os"

	"github.com/xaenox/sandbot/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
