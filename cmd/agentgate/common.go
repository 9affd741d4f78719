package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/davidahmann/agentgate/core/config"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/gateway"
	"github.com/spf13/pflag"
)

type commonFlags struct {
	configPath string
	jsonOutput bool
	verbose    bool
	help       bool
}

func newFlagSet(name string, common *commonFlags) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.Usage = func() {}
	flags.StringVar(&common.configPath, "config", "", "config file path")
	flags.BoolVar(&common.jsonOutput, "json", false, "emit JSON output")
	flags.BoolVar(&common.verbose, "verbose", false, "debug logging on stderr")
	flags.BoolVarP(&common.help, "help", "h", false, "show help")
	return flags
}

// parseFlags parses arguments and handles --help. It reports done when the
// command should return the given exit code immediately.
func (c *cli) parseFlags(flags *pflag.FlagSet, common *commonFlags, arguments []string, usage string) (int, bool) {
	if err := flags.Parse(arguments); err != nil {
		return c.writeError(common.jsonOutput, coreerrors.InvalidInput("invalid_flags", "%v", err)), true
	}
	if common.help {
		fmt.Fprintf(c.stdout, "Usage: %s\n\nFlags:\n%s", usage, flags.FlagUsages())
		return exitOK, true
	}
	return exitOK, false
}

func (c *cli) logger(common commonFlags) *slog.Logger {
	level := slog.LevelWarn
	if common.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads --config, or the default path when it exists.
func loadConfig(common commonFlags) (config.Config, error) {
	path := strings.TrimSpace(common.configPath)
	if path == "" {
		return config.Load(config.DefaultPath(), true)
	}
	return config.Load(path, false)
}

func (c *cli) openGateway(common commonFlags, adjust func(*config.Config)) (*gateway.Gateway, error) {
	cfg, err := loadConfig(common)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(&cfg)
	}
	return gateway.Open(c.ctx, cfg, gateway.Options{Logger: c.logger(common)})
}

func (c *cli) writeJSON(output any) error {
	encoded, err := json.Marshal(output)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.stdout, string(encoded))
	return err
}

// writeOutput prints output as JSON or through text, then returns exitCode.
func (c *cli) writeOutput(jsonOutput bool, output any, text func(), exitCode int) int {
	if jsonOutput {
		if err := c.writeJSON(output); err != nil {
			fmt.Fprintln(c.stderr, "encode output:", err)
			return exitInternalFailure
		}
		return exitCode
	}
	text()
	return exitCode
}
