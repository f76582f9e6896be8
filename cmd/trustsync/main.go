// Command trustsync drives the device trust state machine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/trustsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
