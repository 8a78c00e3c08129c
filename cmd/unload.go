package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ollama/enforcer/api"
)

func NewUnloadCmd() *cobra.Command {
	unloadCmd := &cobra.Command{
		Use:   "unload",
		Short: "Drop the tokenizer and compiled grammars held by a running server",
		Args:  cobra.ExactArgs(0),
		RunE:  UnloadHandler,
	}

	unloadCmd.Flags().String("host", "", "Server address (default $ENFORCER_HOST)")
	unloadCmd.Flags().String("key", os.Getenv("ENFORCER_ADMIN_KEY"), "Admin key")

	return unloadCmd
}

func UnloadHandler(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	key, _ := cmd.Flags().GetString("key")

	client := api.NewClient(host, key)
	if err := client.Unload(cmd.Context()); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "unloaded")
	return nil
}
