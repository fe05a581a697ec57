package engine

import (
	"context"

	"voiceclone/internal/pkg/voiceclone/embedding"
)

// Synthesizer is the base text-to-speech model. Synthesize writes a mono WAV
// file to req.OutputPath.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) error
	// Speakers lists the built-in speaker identities in the model's order.
	Speakers() []string
	Info() EngineInfo
	Close() error
}

// Converter remaps the timbre of a waveform from one speaker embedding to
// another and extracts embeddings from reference audio.
type Converter interface {
	ExtractEmbedding(ctx context.Context, audioPath string) (embedding.Embedding, error)
	Convert(ctx context.Context, req ConvertRequest) error
	Close() error
}

type SynthesisRequest struct {
	Text       string
	Speaker    string
	Speed      float32
	OutputPath string
}

type ConvertRequest struct {
	SourcePath      string
	SourceEmbedding embedding.Embedding
	TargetEmbedding embedding.Embedding
	OutputPath      string
	// Message is an opaque watermark embedded by the converter.
	Message string
}

type EngineInfo struct {
	Name       string
	Languages  []string
	SampleRate int
}

type EngineConfig struct {
	Backend string
	Device  string

	ModelPath   string
	TokensPath  string
	LexiconPath string
	SpeakerIDs  []string

	Command string
	URL     string
}
