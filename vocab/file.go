package vocab

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// File is a serialized vocabulary. It implements Source so it can stand in
// for a tokenizer in tests and the mask command.
type File struct {
	Tokens  []string `json:"pieces" cbor:"1,keyasint"`
	EOSID   int32    `json:"eos" cbor:"2,keyasint"`
	Special []int32  `json:"special,omitempty" cbor:"3,keyasint,omitempty"`
}

func (f *File) Pieces() []string  { return f.Tokens }
func (f *File) EOS() int32        { return f.EOSID }
func (f *File) Specials() []int32 { return f.Special }

// FromVocabulary exports v in serializable form.
func FromVocabulary(v *Vocabulary) *File {
	return &File{
		Tokens:  append([]string(nil), v.pieces...),
		EOSID:   v.eos,
		Special: v.Specials(),
	}
}

func DecodeJSON(r io.Reader) (*File, error) {
	var f File
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decode vocabulary json")
	}
	return &f, nil
}

func DecodeCBOR(r io.Reader) (*File, error) {
	var f File
	if err := cbor.NewDecoder(r).Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decode vocabulary cbor")
	}
	return &f, nil
}

func (f *File) EncodeJSON(w io.Writer) error {
	return json.NewEncoder(w).Encode(f)
}

func (f *File) EncodeCBOR(w io.Writer) error {
	return cbor.NewEncoder(w).Encode(f)
}

// Load reads a vocabulary file, choosing the codec by extension. Files
// ending in .cbor are read as CBOR, everything else as JSON.
func Load(path string) (*File, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	if isCBOR(path) {
		return DecodeCBOR(fp)
	}
	return DecodeJSON(fp)
}

// Save writes f to path using the codec implied by its extension.
func (f *File) Save(path string) error {
	fp, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fp.Close()

	if isCBOR(path) {
		err = f.EncodeCBOR(fp)
	} else {
		err = f.EncodeJSON(fp)
	}
	if err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return fp.Close()
}

func isCBOR(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".cbor")
}
