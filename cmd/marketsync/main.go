package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/agentworkforce/marketsync/internal/transport"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %s", transport.Describe(err).String()))
		os.Exit(1)
	}
}
