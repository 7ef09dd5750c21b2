// Command tracectl is the CLI client for the traceback server: it submits
// /trace requests and renders the recovered path or forwarding tree.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
