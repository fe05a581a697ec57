package melo

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"voiceclone/internal/pkg/voiceclone/engine"
)

const testTokens = `_ 0
  1
hh 2
ah 3
l 4
ow 5
w 6
er 7
d 8
. 9
ey 10
b 11
iy 12
`

const testLexicon = `hello hh ah l ow 0 0 2 1
world w er l d 0 1 0 0
a ey 3
b b iy 3 3
broken hh zz 0 0
odd hh ah 0
`

func writeAssets(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	tokens := filepath.Join(dir, "tokens.txt")
	lexicon := filepath.Join(dir, "lexicon.txt")
	if err := os.WriteFile(tokens, []byte(testTokens), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(lexicon, []byte(testLexicon), 0o644); err != nil {
		t.Fatal(err)
	}
	return tokens, lexicon
}

func TestLoadLexicon(t *testing.T) {
	tokens, lexicon := writeAssets(t)
	l, err := LoadLexicon(tokens, lexicon, false)
	if err != nil {
		t.Fatalf("LoadLexicon: %v", err)
	}
	if l.VocabSize() != 13 {
		t.Errorf("VocabSize = %d, want 13", l.VocabSize())
	}
	// "broken" uses an unknown phone, "odd" has a phone/tone count mismatch
	if l.Words() != 4 {
		t.Errorf("Words = %d, want 4", l.Words())
	}
	if id := l.tokenToID[" "]; id != 1 {
		t.Errorf("space token id = %d, want 1", id)
	}
}

func TestEncode(t *testing.T) {
	tokens, lexicon := writeAssets(t)
	l, err := LoadLexicon(tokens, lexicon, false)
	if err != nil {
		t.Fatal(err)
	}

	phones, tones := l.Encode("Hello, world.")
	// the comma has no token and is dropped
	wantPhones := []int64{2, 3, 4, 5, 6, 7, 4, 8, 9}
	wantTones := []int64{0, 0, 2, 1, 0, 1, 0, 0, 0}
	if !slices.Equal(phones, wantPhones) {
		t.Errorf("phones = %v, want %v", phones, wantPhones)
	}
	if !slices.Equal(tones, wantTones) {
		t.Errorf("tones = %v, want %v", tones, wantTones)
	}
}

func TestEncodeSpellsUnknownWords(t *testing.T) {
	tokens, lexicon := writeAssets(t)
	l, err := LoadLexicon(tokens, lexicon, false)
	if err != nil {
		t.Fatal(err)
	}

	phones, tones := l.Encode("AB")
	if !slices.Equal(phones, []int64{10, 11, 12}) || !slices.Equal(tones, []int64{3, 3, 3}) {
		t.Errorf("spelled AB = %v / %v", phones, tones)
	}

	if phones, _ := l.Encode("xyz"); len(phones) != 0 {
		t.Errorf("unresolvable word produced %v", phones)
	}
}

func TestEncodeAddBlank(t *testing.T) {
	tokens, lexicon := writeAssets(t)
	l, err := LoadLexicon(tokens, lexicon, true)
	if err != nil {
		t.Fatal(err)
	}

	phones, tones := l.Encode("a")
	if !slices.Equal(phones, []int64{0, 10, 0}) {
		t.Errorf("phones = %v", phones)
	}
	if !slices.Equal(tones, []int64{0, 3, 0}) {
		t.Errorf("tones = %v", tones)
	}

	if phones, tones := l.Encode(""); phones != nil || tones != nil {
		t.Errorf("empty text encoded to %v / %v", phones, tones)
	}
}

func TestLoadLexiconErrors(t *testing.T) {
	tokens, lexicon := writeAssets(t)
	dir := t.TempDir()

	if _, err := LoadLexicon(filepath.Join(dir, "none.txt"), lexicon, true); err == nil {
		t.Error("expected error for missing tokens")
	}
	if _, err := LoadLexicon(tokens, filepath.Join(dir, "none.txt"), true); err == nil {
		t.Error("expected error for missing lexicon")
	}

	empty := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadLexicon(empty, lexicon, true); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Errorf("expected empty tokens error, got %v", err)
	}
}

func TestNewEngineFailsBeforeRuntimeOnMissingAssets(t *testing.T) {
	dir := t.TempDir()
	_, err := NewEngine(engine.EngineConfig{ModelPath: filepath.Join(dir, "model.onnx")})
	if err == nil || !strings.Contains(err.Error(), "lexicon") {
		t.Errorf("expected lexicon error, got %v", err)
	}
}

func TestRegistered(t *testing.T) {
	if !slices.Contains(engine.ListSynthesizers(), "melo") {
		t.Errorf("melo not registered: %v", engine.ListSynthesizers())
	}
}
