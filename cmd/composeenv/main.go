// Command composeenv starts the services of a compose-style manifest as an
// ephemeral test environment and prints the values they export.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "composeenv: %v\n", err)
		os.Exit(1)
	}
}
