// Package main provides the kitpack CLI entrypoint.
//
// Usage:
//
//	kitpack <command> [subcommand] [options]
//
// Exit codes:
//   - 0: success
//   - 1: error
//   - 2: pack wrote a kit but some assets failed
//   - 3: invalid configuration
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kitpack/cli/cmd"
	"github.com/pithecene-io/kitpack/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "kitpack",
		Usage:          "Bundle marketing assets into downloadable kit archives",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.ServeCommand(commit),
			cmd.PackCommand(),
			cmd.CatalogCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	os.Exit(exitStatus(os.Stderr, err))
}

// exitStatus reports err on w and returns the process exit code. Bare
// cli.Exit("", N) errors print nothing.
func exitStatus(w io.Writer, err error) int {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(w, msg)
		}
		return code
	}

	fmt.Fprintf(w, "Error: %v\n", err)
	return 1
}
