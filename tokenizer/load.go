package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Config holds the companion files that carry special token settings.
type Config struct {
	TokenizerConfigJSON  []byte // tokenizer_config.json content
	GenerationConfigJSON []byte // generation_config.json content
	SpecialTokensMapJSON []byte // special_tokens_map.json content
	ConfigJSON           []byte // config.json content
}

// Load reads tokenizer.json from path, which may name the file itself or
// the directory holding it, along with any companion config files found
// next to it.
func Load(path string) (*Tokenizer, error) {
	if fi, err := os.Stat(path); err != nil {
		return nil, err
	} else if fi.IsDir() {
		path = filepath.Join(path, "tokenizer.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	readOptional := func(name string) ([]byte, error) {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return b, err
	}

	var config Config
	for name, dst := range map[string]*[]byte{
		"tokenizer_config.json":   &config.TokenizerConfigJSON,
		"generation_config.json":  &config.GenerationConfigJSON,
		"special_tokens_map.json": &config.SpecialTokensMapJSON,
		"config.json":             &config.ConfigJSON,
	} {
		if *dst, err = readOptional(name); err != nil {
			return nil, err
		}
	}

	return LoadFromBytesWithConfig(data, &config)
}

// LoadFromBytes parses tokenizer.json content without companion files. The
// end of sequence token then has to be resolvable from the added tokens.
func LoadFromBytes(data []byte) (*Tokenizer, error) {
	return LoadFromBytesWithConfig(data, nil)
}

func LoadFromBytesWithConfig(data []byte, config *Config) (*Tokenizer, error) {
	t, literal, err := parse(data)
	if err != nil {
		return nil, err
	}

	if config != nil {
		applySpecialTokenConfig(t, config)
	}

	if len(t.eos) == 0 {
		for _, name := range []string{"</s>", "<|endoftext|>", "<eos>", "<|end_of_text|>", "<|im_end|>"} {
			if id, ok := t.special[name]; ok {
				t.eos = []int32{id}
				break
			}
		}
	}
	if len(t.eos) == 0 {
		return nil, errors.New("tokenizer has no end of sequence token")
	}
	for _, id := range t.eos {
		if id < 0 || int(id) >= len(t.values) {
			return nil, fmt.Errorf("end of sequence token %d out of range", id)
		}
	}

	t.pieces = make([]string, len(t.values))
	for id, value := range t.values {
		if literal[int32(id)] {
			t.pieces[id] = value
		} else {
			t.pieces[id] = t.decode(value)
		}
	}

	return t, nil
}

// parse reads the vocabulary and added tokens. It also reports which ids
// are added tokens, whose content is literal text.
func parse(data []byte) (*Tokenizer, map[int32]bool, error) {
	var raw struct {
		Model struct {
			Type  string          `json:"type"`
			Vocab json.RawMessage `json:"vocab"`
		} `json:"model"`
		Decoder     json.RawMessage `json:"decoder"`
		AddedTokens []struct {
			ID      int32  `json:"id"`
			Content string `json:"content"`
			Special bool   `json:"special"`
		} `json:"added_tokens"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("failed to parse tokenizer: %w", err)
	}

	t := &Tokenizer{
		bos:     -1,
		pad:     -1,
		special: make(map[string]int32),
	}

	set := func(id int32, value string) {
		if int(id) >= len(t.values) {
			values := make([]string, id+1)
			copy(values, t.values)
			t.values = values
		}
		t.values[id] = value
	}

	switch raw.Model.Type {
	case "BPE", "WordLevel":
		var vocab map[string]int32
		if err := json.Unmarshal(raw.Model.Vocab, &vocab); err != nil {
			return nil, nil, fmt.Errorf("failed to parse vocab: %w", err)
		}
		for value, id := range vocab {
			if id < 0 {
				return nil, nil, fmt.Errorf("negative token id %d", id)
			}
			set(id, value)
		}
	case "Unigram":
		// [[piece, score], ...] indexed by id
		var vocab [][]any
		if err := json.Unmarshal(raw.Model.Vocab, &vocab); err != nil {
			return nil, nil, fmt.Errorf("failed to parse vocab: %w", err)
		}
		for id, entry := range vocab {
			if len(entry) == 0 {
				return nil, nil, fmt.Errorf("invalid unigram entry %d", id)
			}
			value, ok := entry[0].(string)
			if !ok {
				return nil, nil, fmt.Errorf("invalid unigram entry %d", id)
			}
			set(int32(id), value)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported tokenizer type: %s", raw.Model.Type)
	}

	literal := make(map[int32]bool, len(raw.AddedTokens))
	for _, tok := range raw.AddedTokens {
		if tok.ID < 0 {
			return nil, nil, fmt.Errorf("negative token id %d", tok.ID)
		}
		set(tok.ID, tok.Content)
		literal[tok.ID] = true
		if tok.Special {
			t.special[tok.Content] = tok.ID
		}
	}

	if len(t.values) == 0 {
		return nil, nil, errors.New("tokenizer vocabulary is empty")
	}

	if raw.Model.Type == "Unigram" || detectSentencePiece(raw.Decoder) {
		t.typ = TypeSentencePiece
	}

	return t, literal, nil
}

// detectSentencePiece reports whether the decoder maps ▁ back to spaces
// rather than undoing GPT-2 byte-level encoding.
func detectSentencePiece(data json.RawMessage) bool {
	if data == nil {
		return false
	}

	var dec struct {
		Type     string `json:"type"`
		Decoders []struct {
			Type    string `json:"type"`
			Pattern struct {
				String string `json:"String"`
			} `json:"pattern"`
		} `json:"decoders"`
	}
	if err := json.Unmarshal(data, &dec); err != nil {
		return false
	}

	switch dec.Type {
	case "Metaspace":
		return true
	case "Sequence":
		for _, d := range dec.Decoders {
			if d.Type == "Metaspace" || (d.Type == "Replace" && d.Pattern.String == "▁") {
				return true
			}
		}
	}
	return false
}

func applySpecialTokenConfig(t *Tokenizer, config *Config) {
	parseTokenIDs := func(v any) []int32 {
		switch val := v.(type) {
		case float64:
			return []int32{int32(val)}
		case []any:
			ids := make([]int32, 0, len(val))
			for _, id := range val {
				if f, ok := id.(float64); ok {
					ids = append(ids, int32(f))
				}
			}
			return ids
		}
		return nil
	}

	lookup := func(v any) (int32, bool) {
		if s := extractTokenString(v); s != "" {
			id, ok := t.special[s]
			return id, ok
		}
		return 0, false
	}

	// generation_config.json and config.json carry ids directly
	for _, data := range [][]byte{config.GenerationConfigJSON, config.ConfigJSON} {
		if len(data) == 0 {
			continue
		}
		var c struct {
			EOSTokenID any `json:"eos_token_id"`
			BOSTokenID any `json:"bos_token_id"`
		}
		if err := json.Unmarshal(data, &c); err != nil {
			continue
		}
		if ids := parseTokenIDs(c.EOSTokenID); len(t.eos) == 0 && len(ids) > 0 {
			t.eos = ids
		}
		if ids := parseTokenIDs(c.BOSTokenID); t.bos < 0 && len(ids) > 0 {
			t.bos = ids[0]
		}
	}

	// tokenizer_config.json and special_tokens_map.json name tokens by content
	for _, data := range [][]byte{config.TokenizerConfigJSON, config.SpecialTokensMapJSON} {
		if len(data) == 0 {
			continue
		}
		var c struct {
			BOSToken any `json:"bos_token"`
			EOSToken any `json:"eos_token"`
			PADToken any `json:"pad_token"`
		}
		if err := json.Unmarshal(data, &c); err != nil {
			continue
		}
		if id, ok := lookup(c.EOSToken); len(t.eos) == 0 && ok {
			t.eos = []int32{id}
		}
		if id, ok := lookup(c.BOSToken); t.bos < 0 && ok {
			t.bos = id
		}
		if id, ok := lookup(c.PADToken); t.pad < 0 && ok {
			t.pad = id
		}
	}
}

// extractTokenString extracts the token string from various formats used in HuggingFace configs.
// Tokens can be represented as:
//   - string: "token"
//   - object: {"content": "token", ...}
func extractTokenString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if m, ok := v.(map[string]any); ok {
		if content, ok := m["content"].(string); ok {
			return content
		}
	}
	return ""
}
