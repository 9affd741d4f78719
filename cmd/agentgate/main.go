package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

const (
	exitOK              = 0
	exitInternalFailure = 1
	exitInvalidInput    = 2
	exitDenied          = 3
	exitVerifyFailed    = 4
	exitAuthFailed      = 5
)

type cli struct {
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, arguments []string, stdout, stderr io.Writer) int {
	c := &cli{ctx: ctx, stdout: stdout, stderr: stderr}
	return c.dispatch(arguments)
}

func (c *cli) dispatch(arguments []string) int {
	if len(arguments) < 2 {
		c.printUsage()
		return exitOK
	}
	switch arguments[1] {
	case "keys":
		return c.runKeys(arguments[2:])
	case "verify":
		return c.runVerify(arguments[2:])
	case "register":
		return c.runRegister(arguments[2:])
	case "token":
		return c.runToken(arguments[2:])
	case "capabilities":
		return c.runCapabilities(arguments[2:])
	case "doctor":
		return c.runDoctor(arguments[2:])
	case "version", "--version", "-v":
		fmt.Fprintln(c.stdout, "agentgate", version)
		return exitOK
	case "help", "--help", "-h":
		c.printUsage()
		return exitOK
	default:
		c.printUsage()
		return exitInvalidInput
	}
}

func (c *cli) printUsage() {
	fmt.Fprint(c.stdout, `agentgate verifies agent actions against an authorization backend.

Usage:
  agentgate keys init|verify [flags]
  agentgate verify action --type <action> [--resource <r>] [--context <json>] [flags]
  agentgate verify status <verification-id> [flags]
  agentgate verify result <verification-id> [--failed] [--summary <s>] [--error <e>] [flags]
  agentgate register agent --name <name> [--type <t>] [--base-url <url>] [flags]
  agentgate register targets --target <id>... [--detection-method <m>] [flags]
  agentgate token enroll|status|refresh|revoke [flags]
  agentgate capabilities report [--capability <type>[=<risk>]]... [flags]
  agentgate doctor [flags]
  agentgate version

Common flags:
  --config <path>   config file (default ~/.agentgate/config.yaml)
  --json            emit JSON output
  --verbose         debug logging on stderr

Exit codes: 0 ok, 1 internal failure, 2 invalid input or configuration,
3 action denied, 4 verification failed, 5 authentication failed.
`)
}

func subcommandHelp(arguments []string) bool {
	return len(arguments) > 0 && (arguments[0] == "--help" || arguments[0] == "-h" || arguments[0] == "help")
}
