package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ollama/enforcer/api"
	"github.com/ollama/enforcer/enforcer"
	"github.com/ollama/enforcer/envconfig"
	"github.com/ollama/enforcer/filter"
	"github.com/ollama/enforcer/server"
	"github.com/ollama/enforcer/vocab"
)

func NewMaskCmd() *cobra.Command {
	maskCmd := &cobra.Command{
		Use:   "mask",
		Short: "Print the tokens allowed after a token sequence",
		Args:  cobra.ExactArgs(0),
		RunE:  MaskHandler,
	}

	addConstraintFlags(maskCmd)
	maskCmd.Flags().String("tokens", "", "Comma separated token ids already generated")
	maskCmd.Flags().Bool("json", false, "Print JSON even on a terminal")

	return maskCmd
}

func parseTokens(s string) ([]int32, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var ids []int32
	for _, field := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(field), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid token %q", field)
		}
		ids = append(ids, int32(id))
	}
	return ids, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func loadVocabulary(cmd *cobra.Command) (*vocab.Vocabulary, error) {
	path, _ := cmd.Flags().GetString("tokenizer")
	if path == "" {
		path = envconfig.Tokenizer
	}

	src, err := server.LoadSource(path)
	if err != nil {
		return nil, err
	}
	return vocab.Default.Get(src)
}

func addConstraintFlags(cmd *cobra.Command) {
	cmd.Flags().String("tokenizer", "", "Tokenizer or vocabulary file (default $ENFORCER_TOKENIZER)")
	cmd.Flags().String("schema", "", "JSON schema file")
	cmd.Flags().String("regex", "", "Regular expression")
	cmd.Flags().String("grammar", "", "EBNF grammar file")
}

// buildRegistry attaches the constraints named by the command's flags. The
// names of constraints that failed to compile are returned as skipped.
func buildRegistry(cmd *cobra.Command, v *vocab.Vocabulary) (*filter.Registry, []string, error) {
	r := filter.NewRegistry(v, enforcer.WithCacheSize(envconfig.CacheSize))

	var skipped []string
	if path, _ := cmd.Flags().GetString("schema"); path != "" {
		schema, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		if !r.AddJSONSchema(schema) {
			skipped = append(skipped, "json_schema")
		}
	}
	if pattern, _ := cmd.Flags().GetString("regex"); pattern != "" && !r.AddRegex(pattern) {
		skipped = append(skipped, "regex")
	}
	if path, _ := cmd.Flags().GetString("grammar"); path != "" {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		if !r.AddGrammar(string(src)) {
			skipped = append(skipped, "grammar")
		}
	}

	if r.Len() == 0 && len(skipped) == 0 {
		return nil, nil, errors.New("one of --schema, --regex or --grammar is required")
	}
	return r, skipped, nil
}

func MaskHandler(cmd *cobra.Command, _ []string) error {
	v, err := loadVocabulary(cmd)
	if err != nil {
		return err
	}

	tokens, _ := cmd.Flags().GetString("tokens")
	seq, err := parseTokens(tokens)
	if err != nil {
		return err
	}

	r, skipped, err := buildRegistry(cmd, v)
	if err != nil {
		return err
	}

	r.Begin("")
	for _, id := range seq {
		if err := r.Feed(id); err != nil {
			return err
		}
	}

	mask, err := r.Next()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON || !isTerminal(out) {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(api.ConstrainResponse{
			RequestID:  r.ID,
			Allowed:    mask.Allowed,
			Disallowed: mask.Disallowed,
			All:        mask.All,
			EOSAllowed: mask.Permits(v.EOS()),
			Exhausted:  mask.Exhausted(),
			Skipped:    skipped,
		})
	}

	if len(skipped) > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "skipped: %s\n", strings.Join(skipped, ", "))
	}

	var data [][]string
	for _, id := range mask.Resolve(v.Size()) {
		piece, _ := v.Piece(id)
		if id == v.EOS() {
			piece = "<end of sequence>"
		} else {
			piece = strconv.Quote(piece)
		}
		data = append(data, []string{strconv.Itoa(int(id)), piece})
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "PIECE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}
