package main

import (
	"os"

	"github.com/wwc-network/wwc/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
