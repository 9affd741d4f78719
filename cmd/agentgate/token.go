package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/davidahmann/agentgate/core/config"
	"github.com/davidahmann/agentgate/core/credstore"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/token"
)

type tokenStatusOutput struct {
	OK                bool      `json:"ok"`
	State             string    `json:"state"`
	Storage           string    `json:"storage"`
	RefreshToken      string    `json:"refresh_token_fingerprint,omitempty"`
	AccessTokenExpiry time.Time `json:"access_token_expiry,omitzero"`
	AccessTokenUsable bool      `json:"access_token_usable"`
}

type tokenRefreshOutput struct {
	OK                bool      `json:"ok"`
	AccessToken       string    `json:"access_token_fingerprint"`
	AccessTokenExpiry time.Time `json:"access_token_expiry,omitzero"`
}

type tokenRevokeOutput struct {
	OK            bool   `json:"ok"`
	RemoteRevoked bool   `json:"remote_revoked"`
	Warning       string `json:"warning,omitempty"`
}

type tokenEnrollOutput struct {
	OK      bool   `json:"ok"`
	AgentID string `json:"agent_id"`
	BaseURL string `json:"base_url"`
	Storage string `json:"storage"`
}

func (c *cli) runToken(arguments []string) int {
	if len(arguments) == 0 || subcommandHelp(arguments) {
		fmt.Fprintln(c.stdout, "Usage: agentgate token enroll|status|refresh|revoke [flags]")
		if len(arguments) == 0 {
			return exitInvalidInput
		}
		return exitOK
	}
	switch arguments[0] {
	case "enroll":
		return c.runTokenEnroll(arguments[1:])
	case "status":
		return c.runTokenStatus(arguments[1:])
	case "refresh":
		return c.runTokenRefresh(arguments[1:])
	case "revoke":
		return c.runTokenRevoke(arguments[1:])
	default:
		fmt.Fprintf(c.stderr, "unknown token command %q\n", arguments[0])
		return exitInvalidInput
	}
}

func (c *cli) runTokenEnroll(arguments []string) int {
	var common commonFlags
	var refreshToken, refreshTokenEnv, agentID, baseURL, user string
	flags := newFlagSet("token enroll", &common)
	flags.StringVar(&refreshTokenEnv, "refresh-token-env", "", "environment variable holding the refresh token")
	flags.StringVar(&refreshToken, "refresh-token", "", "refresh token (prefer --refresh-token-env)")
	flags.StringVar(&agentID, "agent-id", "", "agent id (defaults to config)")
	flags.StringVar(&baseURL, "base-url", "", "backend base url (defaults to config)")
	flags.StringVar(&user, "user", "", "user the agent acts for")
	if code, done := c.parseFlags(flags, &common, arguments, "agentgate token enroll --refresh-token-env <VAR> [--agent-id <id>] [--base-url <url>] [--user <u>] [--json]"); done {
		return code
	}

	if refreshToken != "" && refreshTokenEnv != "" {
		return c.writeError(common.jsonOutput, coreerrors.InvalidInput("refresh_token_source", "set only one of --refresh-token and --refresh-token-env"))
	}
	if refreshTokenEnv != "" {
		refreshToken = strings.TrimSpace(os.Getenv(refreshTokenEnv))
		if refreshToken == "" {
			return c.writeError(common.jsonOutput, coreerrors.InvalidInput("refresh_token_missing", "environment variable %s is empty", refreshTokenEnv))
		}
	}
	if strings.TrimSpace(refreshToken) == "" {
		return c.writeError(common.jsonOutput, coreerrors.InvalidInput("refresh_token_missing", "--refresh-token-env or --refresh-token is required"))
	}

	g, err := c.openGateway(common, func(cfg *config.Config) {
		if baseURL != "" {
			cfg.BaseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
		}
		if agentID != "" {
			cfg.AgentID = strings.TrimSpace(agentID)
		}
	})
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	defer func() { _ = g.Close() }()
	cfg := g.Config()
	if cfg.AgentID == "" {
		return c.writeError(common.jsonOutput, coreerrors.InvalidInput("agent_id_missing", "--agent-id is required when the config has none"))
	}
	tokens, err := g.Tokens()
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	record := credstore.Record{
		AgentID:      cfg.AgentID,
		User:         strings.TrimSpace(user),
		BaseURL:      cfg.BaseURL,
		RefreshToken: strings.TrimSpace(refreshToken),
	}
	if err := tokens.Enroll(record); err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	output := tokenEnrollOutput{
		OK:      true,
		AgentID: cfg.AgentID,
		BaseURL: cfg.BaseURL,
		Storage: string(g.Credentials().Format()),
	}
	return c.writeOutput(common.jsonOutput, output, func() {
		fmt.Fprintf(c.stdout, "enrolled %s at %s (%s)\n", output.AgentID, output.BaseURL, output.Storage)
	}, exitOK)
}

func (c *cli) runTokenStatus(arguments []string) int {
	var common commonFlags
	flags := newFlagSet("token status", &common)
	if code, done := c.parseFlags(flags, &common, arguments, "agentgate token status [--json]"); done {
		return code
	}

	g, err := c.openGateway(common, nil)
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	defer func() { _ = g.Close() }()
	output := tokenStatusOutput{
		OK:      true,
		State:   string(token.StateNoCredentials),
		Storage: string(g.Credentials().Format()),
	}
	// Without a base url there is no manager, and no enrolled record
	// either since bootstrap would have supplied one.
	if tokens, err := g.Tokens(); err == nil {
		status, err := tokens.Status()
		if err != nil {
			return c.writeError(common.jsonOutput, err)
		}
		output.State = string(status.State)
		output.RefreshToken = status.RefreshToken
		output.AccessTokenExpiry = status.AccessTokenExpiry
		output.AccessTokenUsable = status.AccessTokenUsable
	}
	return c.writeOutput(common.jsonOutput, output, func() {
		fmt.Fprintf(c.stdout, "state: %s\n", output.State)
		fmt.Fprintf(c.stdout, "storage: %s\n", output.Storage)
		if output.RefreshToken != "" {
			fmt.Fprintf(c.stdout, "refresh_token: %s\n", output.RefreshToken)
		}
		if !output.AccessTokenExpiry.IsZero() {
			fmt.Fprintf(c.stdout, "access_token_expiry: %s\n", output.AccessTokenExpiry.Format(time.RFC3339))
		}
	}, exitOK)
}

func (c *cli) runTokenRefresh(arguments []string) int {
	var common commonFlags
	flags := newFlagSet("token refresh", &common)
	if code, done := c.parseFlags(flags, &common, arguments, "agentgate token refresh [--json]"); done {
		return code
	}

	g, err := c.openGateway(common, nil)
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	defer func() { _ = g.Close() }()
	tokens, err := g.Tokens()
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	accessToken, err := tokens.Refresh(c.ctx)
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	status, err := tokens.Status()
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	output := tokenRefreshOutput{
		OK:                true,
		AccessToken:       credstore.Fingerprint(accessToken),
		AccessTokenExpiry: status.AccessTokenExpiry,
	}
	return c.writeOutput(common.jsonOutput, output, func() {
		fmt.Fprintf(c.stdout, "access token refreshed: %s\n", output.AccessToken)
	}, exitOK)
}

func (c *cli) runTokenRevoke(arguments []string) int {
	var common commonFlags
	flags := newFlagSet("token revoke", &common)
	if code, done := c.parseFlags(flags, &common, arguments, "agentgate token revoke [--json]"); done {
		return code
	}

	g, err := c.openGateway(common, nil)
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	defer func() { _ = g.Close() }()
	output := tokenRevokeOutput{OK: true}
	tokens, err := g.Tokens()
	if err != nil {
		if deleteErr := g.Credentials().Delete(); deleteErr != nil {
			return c.writeError(common.jsonOutput, deleteErr)
		}
		output.Warning = "no backend configured; local credentials deleted only"
	} else if err := tokens.Revoke(c.ctx); err != nil {
		if !errors.Is(err, token.ErrRemoteRevokeFailed) {
			return c.writeError(common.jsonOutput, err)
		}
		output.Warning = err.Error()
	} else {
		output.RemoteRevoked = true
	}
	return c.writeOutput(common.jsonOutput, output, func() {
		fmt.Fprintln(c.stdout, "local credentials deleted")
		if output.Warning != "" {
			fmt.Fprintln(c.stderr, "warning:", output.Warning)
		}
	}, exitOK)
}
