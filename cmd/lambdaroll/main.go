package main

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// CommandError carries the exit code a failed command should produce.
type CommandError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return ExitSuccess
	}

	var cErr *CommandError
	if errors.As(err, &cErr) {
		fmt.Fprintf(stderr, "error: %v\n", cErr)
		return cErr.ExitCode
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return ExitCommandError
}
