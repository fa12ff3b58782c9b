// Package main is the myceliald daemon entrypoint.
package main

import "github.com/mycelial-network/mycelial/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
