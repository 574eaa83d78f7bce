package main

import (
	"flag"
	"fmt"
	"runtime/debug"
)

const versionHelp = `version - print the version

Example:
  % nixforge version
`

func printVersion(args []string) error {
	fset := flag.NewFlagSet("version", flag.ExitOnError)
	fset.Parse(args)

	version := "(devel)"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		version = info.Main.Version
	}
	fmt.Println("nixforge", version)
	return nil
}
