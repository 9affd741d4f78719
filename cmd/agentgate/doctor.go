package main

import (
	"fmt"

	"github.com/davidahmann/agentgate/core/doctor"
)

func (c *cli) runDoctor(arguments []string) int {
	var common commonFlags
	flags := newFlagSet("doctor", &common)
	if code, done := c.parseFlags(flags, &common, arguments, "agentgate doctor [--config <path>] [--json]"); done {
		return code
	}
	cfg, err := loadConfig(common)
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}

	result := doctor.Run(doctor.Options{Config: cfg, ProducerVersion: version})
	exitCode := exitOK
	if result.Status == doctor.StatusFail {
		exitCode = exitInvalidInput
	}
	return c.writeOutput(common.jsonOutput, result, func() {
		fmt.Fprintln(c.stdout, result.Summary)
		for _, check := range result.Checks {
			fmt.Fprintf(c.stdout, "  [%s] %s: %s\n", check.Status, check.Name, check.Message)
		}
		for _, command := range result.FixCommands {
			fmt.Fprintf(c.stdout, "fix: %s\n", command)
		}
	}, exitCode)
}
