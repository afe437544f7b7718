package main

import (
	"fmt"
	"os"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "validate":
		if err := runValidate(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", cmd)
		fmt.Fprintln(os.Stderr, "Usage: chartflow [serve|validate|version]")
		fmt.Fprintln(os.Stderr, "  serve              run the MCP server over stdio (default)")
		fmt.Fprintln(os.Stderr, "  validate <file>    check a flow definition file")
		fmt.Fprintln(os.Stderr, "  version            print the version")
		os.Exit(2)
	}
}
