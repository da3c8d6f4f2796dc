// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command forge runs goal-driven coding plans against a git repository in
// isolated worktrees, validating and correcting every step.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/forge/services/forge/kernel"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitError  = 2
)

// errNotOK marks a command whose result is not ok after it was reported.
var errNotOK = errors.New("result not ok")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the CLI and maps its outcome to an exit code: 0 only when
// the terminal result is ok.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if code == exitError {
		fmt.Fprintf(stderr, "forge: %v\n", err)
	}
	return code
}

func exitCode(err error) int {
	var runErr *kernel.RunError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errNotOK), errors.Is(err, kernel.ErrCancelled), errors.As(err, &runErr):
		return exitFailed
	default:
		return exitError
	}
}
