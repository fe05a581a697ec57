package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"voiceclone/internal/pkg/voiceclone/embedding"
	"voiceclone/internal/pkg/voiceclone/engine"
)

func TestListSpeakers(t *testing.T) {
	dir := t.TempDir()
	for _, key := range []string{"en-india", "zh", "jp"} {
		if err := embedding.WriteFile(filepath.Join(dir, key+".npy"), embedding.Embedding{1, 2}); err != nil {
			t.Fatal(err)
		}
	}
	sources, err := embedding.Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	listSpeakers(&buf, engine.EngineInfo{Name: "melo", Languages: []string{"en"}}, []string{"EN-US", "EN_INDIA"}, sources)
	out := buf.String()

	for _, want := range []string{"Synthesizer: melo", "Languages: en", "Base speakers (2)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	usLine, indiaLine, unusedLine := lines[len(lines)-3], lines[len(lines)-2], lines[len(lines)-1]
	if !strings.Contains(usLine, "en-us") || !strings.Contains(usLine, "missing embedding") {
		t.Errorf("EN-US line = %q", usLine)
	}
	if !strings.Contains(indiaLine, "en-india") || !strings.HasSuffix(indiaLine, "ok") {
		t.Errorf("EN_INDIA line = %q", indiaLine)
	}
	if unusedLine != "Embeddings without a speaker (2): jp, zh" {
		t.Errorf("unused line = %q", unusedLine)
	}
}

func TestTruncateText(t *testing.T) {
	if got := truncateText("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncateText("a long sentence", 6); got != "a long..." {
		t.Errorf("got %q", got)
	}
}
