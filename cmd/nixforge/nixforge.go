// nixforge is the continuous build service: it watches project
// repositories, evaluates them into derivation graphs, drives builds on
// remote builders and packs the results into signed binary caches.
package main

import (
	"flag"
	"fmt"
	"os"
)

func main() {
	flag.Parse()

	type cmd struct {
		helpText string
		fn       func(args []string) error
	}
	verbs := map[string]cmd{
		"serve":   {serveHelp, serve},
		"migrate": {migrateHelp, migrate},
		"env":     {envHelp, printenv},
		"version": {versionHelp, printVersion},
	}

	args := flag.Args()
	verb := "serve"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		if len(args) != 1 {
			fmt.Fprintf(os.Stderr, "syntax: nixforge help <verb>\n")
			fmt.Fprintf(os.Stderr, "\n")
			fmt.Fprintf(os.Stderr, "Verbs:\n")
			fmt.Fprintf(os.Stderr, "\tserve - run the API, the schedulers and the cache packer\n")
			fmt.Fprintf(os.Stderr, "\tmigrate - apply schema migrations\n")
			fmt.Fprintf(os.Stderr, "\tenv - print the effective configuration\n")
			fmt.Fprintf(os.Stderr, "\tversion - print the version\n")
			os.Exit(2)
		}
		verb = args[0]
		args = []string{"-help"}
	}
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: nixforge <command> [options]\n")
		os.Exit(2)
	}
	if len(args) == 1 && args[0] == "-help" {
		fmt.Fprintf(os.Stderr, "%s", v.helpText)
		os.Exit(2)
	}
	if err := v.fn(args); err != nil {
		fmt.Printf("%s: %+v\n", verb, err)
		os.Exit(1)
	}
}
