package main

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// cmdResult captures one finished subprocess invocation.
type cmdResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// cmdRunner abstracts subprocess execution so the strategy logic can be
// tested without the external tools installed.
type cmdRunner func(ctx context.Context, name string, args []string) (cmdResult, error)

// runCommand executes a subprocess and captures its streams. A non-zero exit
// is reported through ExitCode with a nil error; the error return is reserved
// for start failures and context expiry.
func runCommand(ctx context.Context, name string, args []string) (cmdResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := cmdResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}
