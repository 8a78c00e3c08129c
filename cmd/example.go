package cmd

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ollama/enforcer/sample"
)

func NewExampleCmd() *cobra.Command {
	exampleCmd := &cobra.Command{
		Use:   "example",
		Short: "Sample random text that satisfies the constraints",
		Args:  cobra.ExactArgs(0),
		RunE:  ExampleHandler,
	}

	addConstraintFlags(exampleCmd)
	exampleCmd.Flags().Float64("temperature", 1, "Sampling temperature, 0 for greedy")
	exampleCmd.Flags().Int("top-k", 0, "Keep only the k most likely tokens")
	exampleCmd.Flags().Float64("top-p", 0, "Keep the most likely tokens up to this probability mass")
	exampleCmd.Flags().Float64("min-p", 0, "Drop tokens less likely than this fraction of the best one")
	exampleCmd.Flags().Int64("seed", 0, "Random seed, 0 for a random one")
	exampleCmd.Flags().Int("max-tokens", 64, "Stop after this many tokens")

	return exampleCmd
}

// uniform is a stand-in model with no preference between tokens, so the
// constraints alone shape the output.
type uniform int

func (n uniform) Forward(context.Context, []int32) ([]float32, error) {
	return make([]float32, n), nil
}

func samplerSettings(cmd *cobra.Command) sample.Settings {
	var s sample.Settings
	s.Temperature, _ = cmd.Flags().GetFloat64("temperature")
	s.TopK, _ = cmd.Flags().GetInt("top-k")
	s.TopP, _ = cmd.Flags().GetFloat64("top-p")
	s.MinP, _ = cmd.Flags().GetFloat64("min-p")
	if seed, _ := cmd.Flags().GetInt64("seed"); seed != 0 {
		s.Seed = &seed
	}
	return s
}

func ExampleHandler(cmd *cobra.Command, _ []string) error {
	sampler, err := sample.New(samplerSettings(cmd))
	if err != nil {
		return err
	}

	v, err := loadVocabulary(cmd)
	if err != nil {
		return err
	}

	r, skipped, err := buildRegistry(cmd, v)
	if err != nil {
		return err
	}
	for _, name := range skipped {
		fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s\n", name)
	}

	maxTokens, _ := cmd.Flags().GetInt("max-tokens")
	out, err := sample.Generate(cmd.Context(), uniform(v.Size()), r, nil, sample.Options{
		Sampler:   sampler,
		MaxTokens: maxTokens,
		Exhausted: sample.Fail,
	})
	if err != nil {
		return err
	}

	text, err := v.Decode(slices.DeleteFunc(out, func(id int32) bool { return id == v.EOS() }))
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), text)
	return nil
}
