// Command kaffediem is the command line client for the Kaffediem backend.
package main

import (
	"fmt"
	"os"

	"github.com/Kaffe-diem/kaffediem/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
