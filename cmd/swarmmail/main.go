package main

import "github.com/hexframe/swarmmail/internal/cli"

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

func main() {
	cli.Execute(Version, Build)
}
