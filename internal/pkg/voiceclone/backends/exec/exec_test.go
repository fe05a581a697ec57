package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"voiceclone/internal/pkg/voiceclone/audio"
	"voiceclone/internal/pkg/voiceclone/engine"
)

// TestHelperProcess is the fake worker. It is only active when started by
// helperCommand.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	var req request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		fmt.Fprintln(os.Stderr, "bad request:", err)
		os.Exit(2)
	}
	reply := func(resp response) {
		json.NewEncoder(os.Stdout).Encode(resp)
	}
	writeWAV := func(path string, n int) {
		if err := audio.NewAudio(make([]float32, n)).SaveWAV(path); err != nil {
			reply(response{Error: err.Error()})
			return
		}
		reply(response{})
	}

	switch req.Op {
	case opSpeakers:
		reply(response{Speakers: []string{"EN-US", "EN_INDIA"}, SampleRate: 44100})
	case opSynthesize:
		switch req.Text {
		case "fail":
			reply(response{Error: "synthesis exploded"})
		case "device":
			reply(response{Error: "device=" + req.Device})
		case "slow":
			time.Sleep(10 * time.Second)
		case "garbage":
			fmt.Println("not json")
		default:
			writeWAV(req.OutputPath, 100*len(req.Text))
		}
	case opExtractEmbedding:
		if _, err := os.Stat(req.AudioPath); err != nil {
			reply(response{Error: "no such reference"})
			return
		}
		reply(response{Embedding: []float32{0.5, 0.25, -1}})
	case opConvert:
		if req.Message == "crash" {
			fmt.Fprintln(os.Stderr, "converter crashed")
			os.Exit(3)
		}
		if len(req.SourceEmbedding) == 0 || len(req.TargetEmbedding) == 0 {
			reply(response{Error: "missing embedding"})
			return
		}
		info, err := audio.ReadInfo(req.SourcePath)
		if err != nil {
			reply(response{Error: err.Error()})
			return
		}
		writeWAV(req.OutputPath, info.Frames)
	default:
		reply(response{Error: "unknown op " + req.Op})
	}
}

func helperConfig(t *testing.T) engine.EngineConfig {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	return engine.EngineConfig{
		Command: fmt.Sprintf("%q -test.run=TestHelperProcess --", os.Args[0]),
		Device:  "cpu",
	}
}

func TestRegistered(t *testing.T) {
	if !slices.Contains(engine.ListSynthesizers(), "exec") {
		t.Errorf("exec synthesizer not registered: %v", engine.ListSynthesizers())
	}
	if !slices.Contains(engine.ListConverters(), "exec") {
		t.Errorf("exec converter not registered: %v", engine.ListConverters())
	}
}

func TestNewWorkerErrors(t *testing.T) {
	for _, cmd := range []string{"", "   ", `"unterminated`} {
		if _, err := newWorker(engine.EngineConfig{Command: cmd}); err == nil {
			t.Errorf("newWorker(%q): expected error", cmd)
		}
	}
}

func TestSynthesizerSpeakers(t *testing.T) {
	synth, err := NewSynthesizer(helperConfig(t))
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}
	defer synth.Close()

	if got := synth.Speakers(); !slices.Equal(got, []string{"EN-US", "EN_INDIA"}) {
		t.Errorf("Speakers = %v", got)
	}
	if info := synth.Info(); info.SampleRate != 44100 || !strings.HasPrefix(info.Name, "exec:") {
		t.Errorf("Info = %+v", info)
	}
}

func TestSynthesizerSpeakerOverride(t *testing.T) {
	cfg := helperConfig(t)
	cfg.SpeakerIDs = []string{"ZH"}
	synth, err := NewSynthesizer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := synth.Speakers(); !slices.Equal(got, []string{"ZH"}) {
		t.Errorf("Speakers = %v", got)
	}
}

func TestSynthesize(t *testing.T) {
	synth, err := NewSynthesizer(helperConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "chunk_000.wav")

	err = synth.Synthesize(context.Background(), engine.SynthesisRequest{
		Text: "hello", Speaker: "EN-US", Speed: 1, OutputPath: out,
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	info, err := audio.ReadInfo(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Frames != 500 {
		t.Errorf("Frames = %d, want 500", info.Frames)
	}
}

func TestSynthesizeErrors(t *testing.T) {
	synth, err := NewSynthesizer(helperConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "x.wav")

	tests := []struct {
		text string
		want string
	}{
		{"fail", "synthesis exploded"},
		{"device", "device=cpu"},
		{"garbage", "decode"},
	}
	for _, tt := range tests {
		err := synth.Synthesize(context.Background(), engine.SynthesisRequest{Text: tt.text, OutputPath: out})
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("Synthesize(%q) error = %v, want containing %q", tt.text, err, tt.want)
		}
	}
}

func TestSynthesizeTimeout(t *testing.T) {
	synth, err := NewSynthesizer(helperConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = synth.Synthesize(ctx, engine.SynthesisRequest{Text: "slow", OutputPath: filepath.Join(t.TempDir(), "x.wav")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("worker was not killed on timeout")
	}
}

func TestConverter(t *testing.T) {
	conv, err := NewConverter(helperConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer conv.Close()
	dir := t.TempDir()

	ref := filepath.Join(dir, "ref.wav")
	if err := audio.NewAudio(make([]float32, 2000)).SaveWAV(ref); err != nil {
		t.Fatal(err)
	}

	target, err := conv.ExtractEmbedding(context.Background(), ref)
	if err != nil {
		t.Fatalf("ExtractEmbedding: %v", err)
	}
	if target.Dim() != 3 {
		t.Errorf("Dim = %d, want 3", target.Dim())
	}

	if _, err := conv.ExtractEmbedding(context.Background(), filepath.Join(dir, "missing.wav")); err == nil {
		t.Error("expected error for missing reference")
	}

	out := filepath.Join(dir, "out.wav")
	err = conv.Convert(context.Background(), engine.ConvertRequest{
		SourcePath:      ref,
		SourceEmbedding: []float32{1, 2, 3},
		TargetEmbedding: target,
		OutputPath:      out,
		Message:         "@MyShell",
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	info, err := audio.ReadInfo(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Frames != 2000 {
		t.Errorf("Frames = %d, want 2000", info.Frames)
	}
}

func TestConverterWorkerCrash(t *testing.T) {
	conv, err := NewConverter(helperConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	err = conv.Convert(context.Background(), engine.ConvertRequest{
		SourceEmbedding: []float32{1},
		TargetEmbedding: []float32{1},
		Message:         "crash",
	})
	if err == nil || !strings.Contains(err.Error(), "converter crashed") {
		t.Errorf("expected stderr in error, got %v", err)
	}
}
