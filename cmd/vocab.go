package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ollama/enforcer/vocab"
)

func NewVocabCmd() *cobra.Command {
	vocabCmd := &cobra.Command{
		Use:   "vocab",
		Short: "Summarize a tokenizer or export it as a vocabulary file",
		Args:  cobra.ExactArgs(0),
		RunE:  VocabHandler,
	}

	vocabCmd.Flags().String("tokenizer", "", "Tokenizer or vocabulary file (default $ENFORCER_TOKENIZER)")
	vocabCmd.Flags().StringP("output", "o", "", "Write the vocabulary to a .cbor or .vocab.json file")

	return vocabCmd
}

func VocabHandler(cmd *cobra.Command, _ []string) error {
	v, err := loadVocabulary(cmd)
	if err != nil {
		return err
	}

	if output, _ := cmd.Flags().GetString("output"); output != "" {
		if err := vocab.FromVocabulary(v).Save(output); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tokens to %s\n", v.Size(), output)
		return nil
	}

	eos, _ := v.Piece(v.EOS())
	fmt.Fprintf(cmd.OutOrStdout(), "size      %d\n", v.Size())
	fmt.Fprintf(cmd.OutOrStdout(), "eos       %d %s\n", v.EOS(), strconv.Quote(eos))
	fmt.Fprintf(cmd.OutOrStdout(), "specials  %d\n", len(v.Specials()))
	return nil
}
