package main

import (
	"io"
	"os"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code.
func run(arguments []string, stdout, stderr io.Writer) int {
	cli := newApp(stdout, stderr)
	root := cli.rootCommand()
	root.SetArgs(arguments)
	if err := root.Execute(); err != nil {
		return cli.fail(err)
	}
	return cli.exitCode
}
