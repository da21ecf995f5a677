package main

import "github.com/remcli/remcli/internal/cli"

// version is stamped by the release build via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
