package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/intelboard/intelboard/internal/cli"
	"github.com/intelboard/intelboard/internal/client"
	"github.com/intelboard/intelboard/pkg/types"
)

// CLIOptions configures the CLI behavior
type CLIOptions struct {
	// AuthnProvider provides CLI-specific authentication.
	// If nil, uses IBCTL_API_TOKEN env var.
	AuthnProvider types.CLIAuthnProvider
}

var cliOptions CLIOptions
var apiURL string
var apiToken string

// Configure applies options to the root command
func Configure(opts CLIOptions) {
	cliOptions = opts
}

var rootCmd = &cobra.Command{
	Use:   "ibctl",
	Short: "Intelboard refresh CLI",
	Long: `ibctl starts refresh jobs for business locations and follows their
progress, and inspects running and recent jobs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		baseURL, token := resolveAPITarget()

		if token == "" && cliOptions.AuthnProvider != nil {
			var err error
			token, err = cliOptions.AuthnProvider.Authenticate(cmd.Context())
			if err != nil {
				return fmt.Errorf("CLI authentication failed: %w", err)
			}
		}

		APIClient = client.NewClient(baseURL, token)
		cli.SetAPIClient(APIClient)
		return nil
	},
}

// APIClient is the shared API client used by CLI commands
var APIClient *client.Client

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	envBaseURL := os.Getenv("IBCTL_API_BASE_URL")
	envToken := os.Getenv("IBCTL_API_TOKEN")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envBaseURL, "Refresh API base URL (overrides IBCTL_API_BASE_URL; default http://localhost:8080/v0)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "api-token", envToken, "Bearer token (overrides IBCTL_API_TOKEN)")

	rootCmd.AddCommand(cli.RefreshCmd)
	rootCmd.AddCommand(cli.WatchCmd)
	rootCmd.AddCommand(cli.JobsCmd)
	rootCmd.AddCommand(cli.JobTypesCmd)
	rootCmd.AddCommand(cli.VersionCmd)
}

func Root() *cobra.Command {
	return rootCmd
}

func resolveAPITarget() (string, string) {
	base := strings.TrimSpace(apiURL)
	if base == "" {
		base = strings.TrimSpace(os.Getenv("IBCTL_API_BASE_URL"))
	}
	base = normalizeBaseURL(base)

	token := apiToken
	if token == "" {
		token = os.Getenv("IBCTL_API_TOKEN")
	}

	return base, token
}

// normalizeBaseURL adds a scheme and the /v0 prefix when they are missing.
// An empty value is left for the client to default.
func normalizeBaseURL(raw string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if !strings.HasSuffix(trimmed, "/v0") {
		trimmed += "/v0"
	}
	return trimmed
}
