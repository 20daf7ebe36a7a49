// Command weblink post-processes a linked WebAssembly module for the web:
// it removes dead code, normalizes exports, extracts inline JavaScript and
// writes the module next to its generated loader.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// exitFailure is the status of a failed build.
const exitFailure = 101

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	a := &app{}
	defer a.teardown()

	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		red := color.New(color.FgRed, color.Bold).SprintFunc()
		fmt.Fprintf(stderr, "%s %v\n", red("error:"), err)
		return exitFailure
	}
	return 0
}
