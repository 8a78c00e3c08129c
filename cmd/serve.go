package cmd

import (
	"net"

	"github.com/spf13/cobra"

	"github.com/ollama/enforcer/envconfig"
	"github.com/ollama/enforcer/server"
)

func NewServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the constraint server",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}

	serveCmd.SetUsageTemplate(serveCmd.UsageTemplate() + `
Environment Variables:

    ENFORCER_HOST           The host:port to bind to (default "127.0.0.1:11500")
    ENFORCER_TOKENIZER      Path to a tokenizer.json, its directory, or a vocabulary file
    ENFORCER_ORIGINS        A comma separated list of allowed origins
    ENFORCER_CACHE_SIZE     Entries per enforcer cache (default 4096)
    ENFORCER_AUTH_FILE      Path to the API key file (default "api_tokens.yml")
    ENFORCER_DISABLE_AUTH   Skip API key checks
    ENFORCER_DEBUG          Show additional debug information
`)

	return serveCmd
}

func RunServer(_ *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host)
	if err != nil {
		return err
	}

	return server.Serve(ln)
}
