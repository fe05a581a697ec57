package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

// isolate keeps config files in the working tree or home directory out of
// the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	return dir
}

func TestDefaults(t *testing.T) {
	isolate(t)
	cfg, err := load(nil, strings.NewReader(""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Text != DefaultText {
		t.Errorf("Text = %q", cfg.Text)
	}
	if cfg.OutputPath() != filepath.Join("outputs", "out.wav") {
		t.Errorf("OutputPath = %q", cfg.OutputPath())
	}
	if cfg.Speed != 1.0 {
		t.Errorf("Speed = %v", cfg.Speed)
	}
	if cfg.Watermark != "@MyShell" {
		t.Errorf("Watermark = %q", cfg.Watermark)
	}
	if cfg.IterationMode != IterationFirst || cfg.IterateSpeakers {
		t.Errorf("iteration = %v/%q", cfg.IterateSpeakers, cfg.IterationMode)
	}
	if !cfg.SplitSentences || !cfg.NormalizeText {
		t.Error("sentence splitting and normalization should default on")
	}
	if cfg.CallTimeout != 5*time.Minute {
		t.Errorf("CallTimeout = %v", cfg.CallTimeout)
	}
	if cfg.Synthesizer != "melo" || cfg.Converter != "exec" {
		t.Errorf("backends = %q/%q", cfg.Synthesizer, cfg.Converter)
	}
}

func TestPositionalArguments(t *testing.T) {
	isolate(t)
	cfg, err := load([]string{"Hello there.", "results", "clone.wav"}, strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Text != "Hello there." || cfg.OutputDir != "results" || cfg.OutputName != "clone.wav" {
		t.Errorf("got %q %q %q", cfg.Text, cfg.OutputDir, cfg.OutputName)
	}

	cfg, err = load([]string{"Only text."}, strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OutputDir != "outputs" || cfg.OutputName != "out.wav" {
		t.Errorf("absent arguments should fall back: %q %q", cfg.OutputDir, cfg.OutputName)
	}
}

func TestArgumentErrors(t *testing.T) {
	isolate(t)
	tests := []struct {
		name string
		args []string
	}{
		{"too many", []string{"a", "b", "c", "d"}},
		{"text twice", []string{"-t", "flag text", "positional text"}},
		{"speed too high", []string{"--speed", "3"}},
		{"speed too low", []string{"-s", "0.1"}},
		{"iteration mode", []string{"--iteration-mode", "some"}},
		{"nested output name", []string{"--output-name", "a/b.wav"}},
		{"empty output dir", []string{"--output-dir", ""}},
		{"device", []string{"--device", "tpu"}},
		{"unknown flag", []string{"--bogus"}},
		{"missing text file", []string{"-f", "missing.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(tt.args, strings.NewReader("")); err == nil {
				t.Errorf("load(%q): expected error", tt.args)
			}
		})
	}
}

func TestHelp(t *testing.T) {
	isolate(t)
	if _, err := load([]string{"-h"}, strings.NewReader("")); !errors.Is(err, ErrHelp) {
		t.Errorf("expected ErrHelp, got %v", err)
	}
}

func TestTextSources(t *testing.T) {
	dir := isolate(t)

	cfg, err := load([]string{"-t", "-"}, strings.NewReader("  from stdin.\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Text != "from stdin." {
		t.Errorf("stdin text = %q", cfg.Text)
	}

	path := filepath.Join(dir, "input.txt")
	if err := os.WriteFile(path, []byte("From a file.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = load([]string{"-f", path}, strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Text != "From a file." {
		t.Errorf("file text = %q", cfg.Text)
	}

	// an empty file is passed through so the pipeline can reject it
	empty := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = load([]string{"-f", empty}, strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Text != "" {
		t.Errorf("empty file text = %q", cfg.Text)
	}

	cfg, err = load([]string{"-t", ""}, strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Text != "" {
		t.Errorf("explicit empty text = %q, want it kept empty", cfg.Text)
	}

	if _, err := load([]string{"-t", "", "positional"}, strings.NewReader("")); err == nil {
		t.Error("expected conflict between -t and positional text")
	}

	cfg, err = load(nil, strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Text != DefaultText {
		t.Errorf("no text = %q, want DefaultText", cfg.Text)
	}
}

func TestFlags(t *testing.T) {
	isolate(t)
	cfg, err := load([]string{
		"--iterate-speakers",
		"--iteration-mode", "all",
		"--split-sentences=false",
		"--call-timeout", "30s",
		"--speaker-ids", "EN-US,EN-BR",
		"--device", "cuda:1",
		"--converter", "http",
		"--converter-url", "http://localhost:9000",
		"--list-speakers",
	}, strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.IterateSpeakers || cfg.IterationMode != IterationAll {
		t.Errorf("iteration = %v/%q", cfg.IterateSpeakers, cfg.IterationMode)
	}
	if cfg.SplitSentences {
		t.Error("SplitSentences should be off")
	}
	if cfg.CallTimeout != 30*time.Second {
		t.Errorf("CallTimeout = %v", cfg.CallTimeout)
	}
	if !slices.Equal(cfg.SpeakerIDs, []string{"EN-US", "EN-BR"}) {
		t.Errorf("SpeakerIDs = %v", cfg.SpeakerIDs)
	}
	if !cfg.ListSpeakers {
		t.Error("ListSpeakers should be set")
	}

	conv := cfg.ConverterConfig("cuda:1")
	if conv.URL != "http://localhost:9000" || conv.Device != "cuda:1" {
		t.Errorf("ConverterConfig = %+v", conv)
	}
	synth := cfg.SynthesizerConfig("cpu")
	if synth.ModelPath != cfg.ModelPath || !slices.Equal(synth.SpeakerIDs, cfg.SpeakerIDs) {
		t.Errorf("SynthesizerConfig = %+v", synth)
	}
}

func TestPrecedence(t *testing.T) {
	dir := isolate(t)
	file := `speed = 0.8
watermark = "@Studio"
output_dir = "from-file"
`
	if err := os.WriteFile(filepath.Join(dir, "voiceclone.cfg.toml"), []byte(file), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOICECLONE_OUTPUT_DIR", "from-env")
	t.Setenv("VOICECLONE_ITERATION_MODE", "all")

	cfg, err := load([]string{"--speed", "1.2"}, strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Speed != 1.2 {
		t.Errorf("flag should win over file: Speed = %v", cfg.Speed)
	}
	if cfg.Watermark != "@Studio" {
		t.Errorf("file should win over default: Watermark = %q", cfg.Watermark)
	}
	if cfg.OutputDir != "from-env" {
		t.Errorf("env should win over file: OutputDir = %q", cfg.OutputDir)
	}
	if cfg.IterationMode != IterationAll {
		t.Errorf("IterationMode = %q", cfg.IterationMode)
	}
}

func TestExplicitConfigFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.toml")
	if err := os.WriteFile(path, []byte("text = \"Configured.\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := load([]string{"-c", path}, strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Text != "Configured." {
		t.Errorf("Text = %q", cfg.Text)
	}

	if _, err := load([]string{"-c", filepath.Join(dir, "missing.toml")}, strings.NewReader("")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}
