// Command maestro runs the task orchestration engine.
//
// Usage:
//
//	maestro serve --config team.yaml --data-dir ./taskspaces
//	maestro run --goal "write a short report on X"
//	maestro version
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/gomaestro/maestro/pkg/protocol"
)

// Exit codes follow sysexits conventions: configuration problems are usage
// errors, invariant violations are internal software errors, and storage
// unavailability is a temporary failure.
const (
	exitOK       = 0
	exitConfig   = 64
	exitSoftware = 70
	exitTempFail = 75
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP server."`
	Run     RunCmd     `cmd:"" help:"Run a single goal to completion and stream its events."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	DataDir   string `name:"data-dir" help:"Taskspace root directory (overrides config)."`
	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `name:"log-format" help:"Log format (text, json)." default:"text"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("maestro"),
		kong.Description("Multi-agent task orchestration engine."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "maestro: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// configError marks failures that should exit with the usage-error code.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var cerr configError
	if errors.As(err, &cerr) {
		return exitConfig
	}
	if perr := new(protocol.Error); errors.As(err, &perr) {
		switch perr.Kind {
		case protocol.KindValidation:
			return exitConfig
		case protocol.KindInvariantViolated:
			return exitSoftware
		case protocol.KindStorage:
			return exitTempFail
		}
	}
	return 1
}
