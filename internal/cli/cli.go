package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/intelboard/intelboard/internal/client"
	"github.com/intelboard/intelboard/pkg/printer"
)

var apiClient *client.Client

// SetAPIClient sets the client used by every command.
func SetAPIClient(c *client.Client) {
	apiClient = c
}

func requireClient() error {
	if apiClient == nil {
		return fmt.Errorf("API client not initialized")
	}
	return nil
}

// newPrinter builds a printer for cmd's --output flag writing to its stdout.
func newPrinter(cmd *cobra.Command, output string) (*printer.Printer, error) {
	outputType, err := printer.ParseOutputType(output)
	if err != nil {
		return nil, err
	}
	p := printer.New(outputType, false)
	p.SetOutput(cmd.OutOrStdout())
	return p, nil
}
