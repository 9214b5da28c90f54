package main

import (
	"os"

	"github.com/arborchat/memoryd/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
