// Package main is the entry point for the manifold application.
package main

import (
	"os"

	"github.com/jmylchreest/manifold/cmd/manifold/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
