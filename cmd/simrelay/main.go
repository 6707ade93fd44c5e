// Package main is the entrypoint for the simrelay dispatcher.
package main

import "github.com/seantiz/simrelay/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
