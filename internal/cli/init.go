package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const defaultConfigFile = "openapi-mcp-server.yaml"

// InitConfig captures the options for the init command.
type InitConfig struct {
	OutputPath string
	Force      bool
	Out        io.Writer
}

var initRunner = runInit

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a sample openapi-mcp-server configuration file",
		Long:  "Scaffold a commented configuration file that documents every server option and its environment variable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := cmd.Flags().GetString("out")
			if err != nil {
				return err
			}
			force, err := cmd.Flags().GetBool("force")
			if err != nil {
				return err
			}
			return initRunner(cmd.Context(), &InitConfig{
				OutputPath: out,
				Force:      force,
				Out:        cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().String("out", defaultConfigFile, "Where to write the sample config file")
	cmd.Flags().Bool("force", false, "Overwrite the target file if it already exists")

	return cmd
}

func runInit(ctx context.Context, cfg *InitConfig) error {
	_ = ctx

	out := strings.TrimSpace(cfg.OutputPath)
	if out == "" {
		out = defaultConfigFile
	}
	absPath, err := filepath.Abs(out)
	if err != nil {
		return fmt.Errorf("init: resolve output path: %w", err)
	}

	if st, err := os.Stat(absPath); err == nil && !cfg.Force {
		if st.Mode().IsRegular() {
			return newUsageError(fmt.Sprintf("init: %q already exists (use --force to overwrite)", absPath))
		}
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return newUsageError(fmt.Sprintf("init: cannot create parent directory: %v", err))
	}

	content := strings.TrimSpace(sampleConfigYAML) + "\n"

	// Atomic write via temp + rename
	tmp := absPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return newUsageError(fmt.Sprintf("init: cannot write temp file: %v\nHint: choose a different --out or check directory permissions.", err))
	}
	if err := os.Rename(tmp, absPath); err != nil {
		_ = os.Remove(tmp)
		return newUsageError(fmt.Sprintf("init: cannot place file at %s: %v", absPath, err))
	}
	w := cfg.Out
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintf(w, "Wrote sample config to %s\n", absPath)
	return nil
}

// sampleConfigYAML documents every option. The file may hold secrets, so
// it is written owner-only.
const sampleConfigYAML = `# openapi-mcp-server configuration (YAML)
# Environment variables override file values; flags override both.

# Path or URL to the OpenAPI 3 or Swagger 2 document. (OPENAPI_SPEC_PATH)
# spec: ./openapi.yaml

# Base URL every operation path is resolved against. (API_BASE_URL)
# baseUrl: https://api.example.com/v1

# Extra headers sent on every request, as a mapping or a JSON string.
# A bearer token, an api-key header or basic credentials found here
# select the matching auth strategy. (API_HEADERS)
# headers:
#   Authorization: Bearer <token>
#   X-Tenant: acme

# Name and version announced to MCP clients. (SERVER_NAME, SERVER_VERSION)
# name: openapi-mcp-server
# version: 1.0.0

# Mutual TLS. Certificate and key must be set together. (CLIENT_CERT_PATH,
# CLIENT_KEY_PATH, CLIENT_CERT_PASSPHRASE)
# clientCert: ./client.crt
# clientKey: ./client.key
# clientCertPassphrase: ""

# OAuth2 client credentials. All three of id, secret and token URL are
# required. (OAUTH_CLIENT_ID, OAUTH_CLIENT_SECRET, OAUTH_TOKEN_URL, OAUTH_SCOPES)
# oauthClientId: my-client
# oauthClientSecret: my-secret
# oauthTokenUrl: https://auth.example.com/oauth/token
# oauthScopes: [read, write]

# Operation filters (comma-separated or list).
# includeTags: [public]
# excludeTags: [internal]
# methods: [get, post]
# paths: ["^/pets"]

# Upstream HTTP timeout (Go duration or seconds) and request rate limit
# per second. Zero disables either. (HTTP_TIMEOUT, RATE_LIMIT)
# timeout: 30s
# rateLimit: 0

# Logging goes to stderr. (LOG_LEVEL, LOG_FORMAT)
# logLevel: info
# logFormat: json

# Shortcut for logLevel: debug.
# verbose: false
`
