package main

import (
	"fmt"

	"github.com/p3394/exemplar/pkg/config"
)

// ValidateCmd checks a configuration file and prints the effective
// configuration with secrets masked.
type ValidateCmd struct {
	Quiet bool `short:"q" help:"Suppress the effective configuration dump."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return exitf(exitBadConfig, "--config is required for validate")
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return &exitError{code: exitBadConfig, err: err}
	}
	fmt.Printf("%s: configuration valid\n", cli.Config)
	if c.Quiet {
		return nil
	}
	dump, err := cfg.Dump()
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Print(dump)
	return nil
}
