package vocab

import (
	"bytes"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testFile() *File {
	return &File{
		Tokens:  []string{"{", "}", `"a"`, ":", "1", "<eos>", "", "{}", "<|im_start|>"},
		EOSID:   5,
		Special: []int32{8},
	}
}

func TestNew(t *testing.T) {
	v, err := New(testFile())
	if err != nil {
		t.Fatal(err)
	}

	if v.Size() != 9 {
		t.Errorf("expected 9 entries, got %d", v.Size())
	}
	if v.EOS() != 5 {
		t.Errorf("expected eos 5, got %d", v.EOS())
	}
	if !v.IsSpecial(8) || v.IsSpecial(0) {
		t.Error("special membership is wrong")
	}

	s, err := v.Decode([]int32{0, 2, 3, 4, 1})
	if err != nil {
		t.Fatal(err)
	}
	if s != `{"a":1}` {
		t.Errorf("unexpected decode %q", s)
	}
}

func TestNewErrors(t *testing.T) {
	cases := map[string]*File{
		"empty":           {},
		"eos range":       {Tokens: []string{"a"}, EOSID: 4},
		"special range":   {Tokens: []string{"a", "b"}, EOSID: 1, Special: []int32{2}},
		"negative eos id": {Tokens: []string{"a"}, EOSID: -1},
	}

	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := New(f); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPieceUnknown(t *testing.T) {
	v, err := New(testFile())
	if err != nil {
		t.Fatal(err)
	}

	_, err = v.Piece(42)
	var unknown *UnknownTokenError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTokenError, got %v", err)
	}
	if unknown.ID != 42 || unknown.Size != 9 {
		t.Errorf("unexpected error fields %+v", unknown)
	}

	if _, err := v.Decode([]int32{0, -1}); err == nil {
		t.Error("expected decode to fail on negative id")
	}
}

func TestTrie(t *testing.T) {
	v, err := New(testFile())
	if err != nil {
		t.Fatal(err)
	}

	root := v.Trie()
	if diff := cmp.Diff([]rune{'"', '1', ':', '{', '}'}, root.Runes()); diff != "" {
		t.Errorf("root runes mismatch (-want +got):\n%s", diff)
	}

	brace := root.Walk("{")
	if diff := cmp.Diff([]int32{0}, brace.IDs); diff != "" {
		t.Errorf("'{' ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{0, 7}, brace.Collect(nil)); diff != "" {
		t.Errorf("'{' subtree mismatch (-want +got):\n%s", diff)
	}

	if root.Walk("<") != nil {
		t.Error("eos and special pieces must not be in the trie")
	}
	if root.Walk("x") != nil {
		t.Error("expected nil walking an unknown prefix")
	}

	all := root.Collect(nil)
	slices.Sort(all)
	if diff := cmp.Diff([]int32{0, 1, 2, 3, 4, 7}, all); diff != "" {
		t.Errorf("trie contents mismatch (-want +got):\n%s", diff)
	}

	if v.Trie() != root {
		t.Error("expected trie to be built once")
	}
}

type countingSource struct {
	*File
	mu    sync.Mutex
	calls int
}

func (s *countingSource) Pieces() []string {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.File.Pieces()
}

func TestCache(t *testing.T) {
	c := NewCache()
	src := &countingSource{File: testFile()}

	var wg sync.WaitGroup
	results := make([]*Vocabulary, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(src)
			if err != nil {
				t.Error(err)
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	for _, v := range results {
		if v != results[0] {
			t.Fatal("expected every caller to share one vocabulary")
		}
	}
	if src.calls != 1 {
		t.Errorf("expected one build, got %d", src.calls)
	}
	if c.Len() != 1 {
		t.Errorf("expected one entry, got %d", c.Len())
	}

	c.Invalidate(src)
	c.Invalidate(&countingSource{File: testFile()})
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d", c.Len())
	}

	v, err := c.Get(src)
	if err != nil {
		t.Fatal(err)
	}
	if v == results[0] {
		t.Error("expected a rebuilt vocabulary after invalidation")
	}
}

func TestCacheDropsFailures(t *testing.T) {
	c := NewCache()
	bad := &File{}
	if _, err := c.Get(bad); err == nil {
		t.Fatal("expected error")
	}
	if c.Len() != 0 {
		t.Errorf("failed builds must not be cached, got %d entries", c.Len())
	}
}

func TestFileRoundTrip(t *testing.T) {
	v, err := New(testFile())
	if err != nil {
		t.Fatal(err)
	}
	want := FromVocabulary(v)

	for _, name := range []string{"vocab.json", "vocab.cbor"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := want.Save(path); err != nil {
				t.Fatal(err)
			}

			got, err := Load(path)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	f, err := DecodeJSON(bytes.NewBufferString(`{"pieces":["a","b","</s>"],"eos":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&File{Tokens: []string{"a", "b", "</s>"}, EOSID: 2}, f); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if _, err := DecodeJSON(bytes.NewBufferString(`{"pieces":`)); err == nil {
		t.Error("expected error on truncated input")
	}
}
