// Package melo runs a MeloTTS VITS export through ONNX Runtime. The model
// takes phone ids, tones and a speaker id and returns 44.1 kHz audio.
package melo

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"

	"voiceclone/internal/pkg/voiceclone/audio"
	"voiceclone/internal/pkg/voiceclone/engine"
	"voiceclone/internal/pkg/voiceclone/model"
)

const (
	meloSampleRate = 44100
	noiseScale     = 0.6
	noiseScaleW    = 0.8
)

// DefaultSpeakers is the English speaker table; the index is the model's sid.
var DefaultSpeakers = []string{"EN-US", "EN-BR", "EN_INDIA", "EN-AU", "EN-Default"}

func init() {
	engine.RegisterSynthesizer("melo", NewEngine)
}

type Engine struct {
	session  *ort.DynamicAdvancedSession
	lexicon  *Lexicon
	speakers []string
	sids     map[string]int64
}

func NewEngine(cfg engine.EngineConfig) (engine.Synthesizer, error) {
	modelDir := filepath.Dir(cfg.ModelPath)

	tokensPath := cfg.TokensPath
	if tokensPath == "" {
		tokensPath = filepath.Join(modelDir, "tokens.txt")
	}
	lexiconPath := cfg.LexiconPath
	if lexiconPath == "" {
		lexiconPath = filepath.Join(modelDir, "lexicon.txt")
	}

	lexicon, err := LoadLexicon(tokensPath, lexiconPath, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load lexicon: %w", err)
	}
	log.Debug().
		Int("tokens", lexicon.VocabSize()).
		Int("words", lexicon.Words()).
		Str("path", lexiconPath).
		Msg("Lexicon loaded")

	speakers := cfg.SpeakerIDs
	if len(speakers) == 0 {
		speakers = DefaultSpeakers
	}
	sids := make(map[string]int64, len(speakers))
	for i, s := range speakers {
		sids[s] = int64(i)
	}

	inputNames := []string{"x", "x_lengths", "tones", "sid", "noise_scale", "length_scale", "noise_scale_w"}
	outputNames := []string{"y"}

	session, err := model.NewSession(cfg.ModelPath, inputNames, outputNames, cfg.Device)
	if err != nil {
		return nil, err
	}

	return &Engine{
		session:  session,
		lexicon:  lexicon,
		speakers: append([]string(nil), speakers...),
		sids:     sids,
	}, nil
}

func (e *Engine) Synthesize(ctx context.Context, req engine.SynthesisRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sid, ok := e.sids[req.Speaker]
	if !ok {
		return fmt.Errorf("unknown speaker %q", req.Speaker)
	}
	if req.Speed <= 0 {
		return fmt.Errorf("invalid speed %v", req.Speed)
	}

	phones, tones := e.lexicon.Encode(req.Text)
	if len(phones) == 0 {
		return fmt.Errorf("failed to tokenize text")
	}

	samples, err := e.run(phones, tones, sid, 1/req.Speed)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out := audio.NewAudioWithSampleRate(samples, meloSampleRate)
	log.Debug().
		Str("speaker", req.Speaker).
		Int("phones", len(phones)).
		Float64("seconds", out.Duration()).
		Msg("Sentence synthesized")
	return out.SaveWAV(req.OutputPath)
}

func (e *Engine) run(phones, tones []int64, sid int64, lengthScale float32) ([]float32, error) {
	n := int64(len(phones))

	xTensor, err := ort.NewTensor(ort.NewShape(1, n), phones)
	if err != nil {
		return nil, fmt.Errorf("failed to create x tensor: %w", err)
	}
	defer xTensor.Destroy()

	lenTensor, err := ort.NewTensor(ort.NewShape(1), []int64{n})
	if err != nil {
		return nil, fmt.Errorf("failed to create x_lengths tensor: %w", err)
	}
	defer lenTensor.Destroy()

	tonesTensor, err := ort.NewTensor(ort.NewShape(1, n), tones)
	if err != nil {
		return nil, fmt.Errorf("failed to create tones tensor: %w", err)
	}
	defer tonesTensor.Destroy()

	sidTensor, err := ort.NewTensor(ort.NewShape(1), []int64{sid})
	if err != nil {
		return nil, fmt.Errorf("failed to create sid tensor: %w", err)
	}
	defer sidTensor.Destroy()

	scalars := make([]*ort.Tensor[float32], 0, 3)
	defer func() {
		for _, s := range scalars {
			s.Destroy()
		}
	}()
	for _, v := range []float32{noiseScale, lengthScale, noiseScaleW} {
		s, err := ort.NewTensor(ort.NewShape(1), []float32{v})
		if err != nil {
			return nil, fmt.Errorf("failed to create scalar tensor: %w", err)
		}
		scalars = append(scalars, s)
	}

	inputs := []ort.Value{xTensor, lenTensor, tonesTensor, sidTensor, scalars[0], scalars[1], scalars[2]}
	outputs := make([]ort.Value, 1)

	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("failed to run inference: %w", err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("no output from model")
	}
	defer outputs[0].Destroy()

	outputTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type")
	}

	return append([]float32(nil), outputTensor.GetData()...), nil
}

func (e *Engine) Speakers() []string {
	return append([]string(nil), e.speakers...)
}

func (e *Engine) Info() engine.EngineInfo {
	return engine.EngineInfo{
		Name:       "melo",
		Languages:  []string{"en"},
		SampleRate: meloSampleRate,
	}
}

func (e *Engine) Close() error {
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			return err
		}
	}
	return model.DestroyRuntime()
}
