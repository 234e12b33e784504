// Command exemplar runs the P3394 agent-interface gateway.
//
// Usage:
//
//	exemplar serve --config exemplar.yaml
//	exemplar serve --debug --socket /tmp/exemplar.sock
//	exemplar validate --config exemplar.yaml
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/p3394/exemplar/pkg/config"
	"github.com/p3394/exemplar/pkg/logger"
)

// Process exit codes.
const (
	exitOK        = 0
	exitStartup   = 1
	exitBadConfig = 2
	exitAddrInUse = 3
)

// exitError carries a specific process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the gateway and its channel adapters."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the JSON Schema for the configuration."`

	Config    string `short:"c" help:"Path to the configuration file." type:"path"`
	LogLevel  string `help:"Log level override (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format override (text, json)."`
}

// VersionCmd prints the agent identity line.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	fmt.Printf("%s v%s\n", cfg.Agent.Name, buildVersion)
	return nil
}

// loadConfig loads the file named by --config and applies the global log
// flag overrides. Config failures map to the invalid-config exit code.
func loadConfig(cli *CLI) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, &exitError{code: exitBadConfig, err: err}
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, &exitError{code: exitBadConfig, err: err}
	}
	return cfg, nil
}

func initLogging(cli *CLI, cfg *config.Config) (func(), error) {
	cleanup, err := logger.Init(logger.Options{
		Level:  cfg.Logging.Level,
		File:   cli.LogFile,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, exitf(exitStartup, "logger: %w", err)
	}
	return cleanup, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("exemplar"),
		kong.Description("P3394 agent-interface gateway"),
		kong.UsageOnError(),
	)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "exemplar:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitStartup)
	}
	os.Exit(exitOK)
}
