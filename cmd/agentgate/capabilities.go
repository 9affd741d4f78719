package main

import (
	"fmt"
	"strings"

	"github.com/davidahmann/agentgate/core/capability"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
)

type capabilitiesReportOutput struct {
	OK bool `json:"ok"`
	capability.Summary
}

func (c *cli) runCapabilities(arguments []string) int {
	if len(arguments) == 0 || subcommandHelp(arguments) {
		fmt.Fprintln(c.stdout, "Usage: agentgate capabilities report [flags]")
		if len(arguments) == 0 {
			return exitInvalidInput
		}
		return exitOK
	}
	if arguments[0] != "report" {
		fmt.Fprintf(c.stderr, "unknown capabilities command %q\n", arguments[0])
		return exitInvalidInput
	}
	return c.runCapabilitiesReport(arguments[1:])
}

func (c *cli) runCapabilitiesReport(arguments []string) int {
	var common commonFlags
	var specs []string
	var detectedVia string
	flags := newFlagSet("capabilities report", &common)
	flags.StringArrayVar(&specs, "capability", nil, "capability as type[=risk_level]; repeatable (defaults to config)")
	flags.StringVar(&detectedVia, "detected-via", capability.DefaultDetectedVia, "how the capabilities were discovered")
	if code, done := c.parseFlags(flags, &common, arguments, "agentgate capabilities report [--capability <type>[=<risk>]]... [--detected-via <s>] [--json]"); done {
		return code
	}

	var capabilities []capability.Capability
	for _, spec := range specs {
		parsed, err := parseCapabilitySpec(spec, detectedVia)
		if err != nil {
			return c.writeError(common.jsonOutput, err)
		}
		capabilities = append(capabilities, parsed)
	}

	g, err := c.openGateway(common, nil)
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	defer func() { _ = g.Close() }()
	if len(capabilities) == 0 {
		capabilities = g.Config().Capabilities
	}
	summary, err := g.ReportCapabilities(c.ctx, capabilities)
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	output := capabilitiesReportOutput{OK: true, Summary: summary}
	return c.writeOutput(common.jsonOutput, output, func() {
		fmt.Fprintf(c.stdout, "accepted %d capabilities for %s\n", summary.AcceptedCount, summary.AgentID)
		fmt.Fprintf(c.stdout, "overall risk: %s\n", summary.RiskSummary.Overall)
	}, exitOK)
}

func parseCapabilitySpec(spec, detectedVia string) (capability.Capability, error) {
	kind, risk, _ := strings.Cut(strings.TrimSpace(spec), "=")
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return capability.Capability{}, coreerrors.InvalidInput("capability_type_missing", "--capability %q has no type", spec)
	}
	return capability.Capability{
		Type:        kind,
		RiskLevel:   strings.ToLower(strings.TrimSpace(risk)),
		DetectedVia: strings.TrimSpace(detectedVia),
	}, nil
}
