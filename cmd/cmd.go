package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ollama/enforcer/envconfig"
	"github.com/ollama/enforcer/logutil"
	"github.com/ollama/enforcer/version"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "enforcer",
		Short:   "Constrain language model output to a grammar",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, logutil.Level(envconfig.Debug, envconfig.Trace)))
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewServeCmd(),
		NewMaskCmd(),
		NewExampleCmd(),
		NewVocabCmd(),
		NewUnloadCmd(),
	)

	return rootCmd
}
