// Command framepace paces vsync delivery and selects refresh rates.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/framepace/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
