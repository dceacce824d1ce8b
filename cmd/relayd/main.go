// Command relayd runs the multi-client assistant session daemon.
package main

import (
	"fmt"
	"os"

	"github.com/relaycode/relayd/cmd/relayd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
