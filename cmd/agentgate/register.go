package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/davidahmann/agentgate/core/config"
	"github.com/davidahmann/agentgate/core/credstore"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/register"
)

type registerAgentOutput struct {
	OK           bool   `json:"ok"`
	AgentID      string `json:"agent_id"`
	Name         string `json:"name"`
	Status       string `json:"status,omitempty"`
	BaseURL      string `json:"base_url"`
	KeyID        string `json:"key_id"`
	RefreshToken string `json:"refresh_token_fingerprint"`
	Storage      string `json:"storage"`
}

type registerTargetsOutput struct {
	OK bool `json:"ok"`
	register.TargetSummary
}

func (c *cli) runRegister(arguments []string) int {
	if len(arguments) == 0 || subcommandHelp(arguments) {
		fmt.Fprintln(c.stdout, "Usage: agentgate register agent|targets [flags]")
		if len(arguments) == 0 {
			return exitInvalidInput
		}
		return exitOK
	}
	switch arguments[0] {
	case "agent":
		return c.runRegisterAgent(arguments[1:])
	case "targets":
		return c.runRegisterTargets(arguments[1:])
	default:
		fmt.Fprintf(c.stderr, "unknown register command %q\n", arguments[0])
		return exitInvalidInput
	}
}

func (c *cli) runRegisterAgent(arguments []string) int {
	var common commonFlags
	var name, agentType, baseURL string
	flags := newFlagSet("register agent", &common)
	flags.StringVar(&name, "name", "", "agent name")
	flags.StringVar(&agentType, "type", register.DefaultAgentType, "agent type")
	flags.StringVar(&baseURL, "base-url", "", "backend base url (defaults to config)")
	if code, done := c.parseFlags(flags, &common, arguments, "agentgate register agent --name <name> [--type <t>] [--base-url <url>] [--json]"); done {
		return code
	}
	if strings.TrimSpace(name) == "" {
		return c.writeError(common.jsonOutput, coreerrors.InvalidInput("agent_name_missing", "--name is required"))
	}

	g, err := c.openGateway(common, func(cfg *config.Config) {
		if baseURL != "" {
			cfg.BaseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
		}
	})
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	defer func() { _ = g.Close() }()
	response, err := g.Register(c.ctx, register.Request{Name: name, Type: agentType})
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	signer, err := g.Signer()
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	output := registerAgentOutput{
		OK:           true,
		AgentID:      response.AgentID,
		Name:         strings.TrimSpace(name),
		Status:       response.Status,
		BaseURL:      g.Config().BaseURL,
		KeyID:        signer.KeyID(),
		RefreshToken: credstore.Fingerprint(response.RefreshToken),
		Storage:      string(g.Credentials().Format()),
	}
	return c.writeOutput(common.jsonOutput, output, func() {
		fmt.Fprintf(c.stdout, "registered %s as %s at %s (%s)\n", output.Name, output.AgentID, output.BaseURL, output.Storage)
	}, exitOK)
}

func (c *cli) runRegisterTargets(arguments []string) int {
	var common commonFlags
	var targets []string
	var method, metadataJSON string
	var confidence float64
	flags := newFlagSet("register targets", &common)
	flags.StringArrayVar(&targets, "target", nil, "tool server id; repeatable")
	flags.StringVar(&method, "detection-method", register.DefaultDetectionMethod, "manual, auto_sdk, auto_config or cli")
	flags.Float64Var(&confidence, "confidence", register.DefaultConfidence, "detection confidence, 0-100")
	flags.StringVar(&metadataJSON, "metadata", "", "JSON object describing the detection")
	if code, done := c.parseFlags(flags, &common, arguments, "agentgate register targets --target <id>... [--detection-method <m>] [--confidence <n>] [--metadata <json>] [--json]"); done {
		return code
	}
	request := register.TargetRequest{TargetIDs: targets, DetectionMethod: method, Confidence: confidence}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &request.Metadata); err != nil {
			return c.writeError(common.jsonOutput, coreerrors.InvalidInput("metadata_invalid", "--metadata must be a JSON object: %v", err))
		}
	}

	g, err := c.openGateway(common, nil)
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	defer func() { _ = g.Close() }()
	summary, err := g.RegisterTargets(c.ctx, request)
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	output := registerTargetsOutput{OK: true, TargetSummary: summary}
	return c.writeOutput(common.jsonOutput, output, func() {
		fmt.Fprintf(c.stdout, "registered %d target(s) for %s: %s\n", summary.Added, summary.AgentID, strings.Join(summary.Targets, ", "))
	}, exitOK)
}
