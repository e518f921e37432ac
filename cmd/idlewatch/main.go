// Package main is the single-binary entrypoint: the daemon and the
// control client share one executable.
package main

import "github.com/idlewatch/idlewatch/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
