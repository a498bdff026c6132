// Package main is the entry point for the medgate admission gateway.
package main

import (
	"context"
	"fmt"
	"os"

	"medgate/cmd"
)

func main() {
	// with no subcommand the binary runs the service
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}
	if err := cmd.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
