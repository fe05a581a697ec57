// Package pipeline clones a voice: it synthesizes text sentence by sentence
// with a base speaker, joins the chunks and converts the result to the timbre
// of a reference recording.
package pipeline

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voiceclone/internal/pkg/voiceclone/audio"
	"voiceclone/internal/pkg/voiceclone/embedding"
	"voiceclone/internal/pkg/voiceclone/engine"
	"voiceclone/internal/pkg/voiceclone/preprocess"
)

const (
	ModeFirst = "first"
	ModeAll   = "all"

	scratchPrefix = ".voiceclone-"
)

type Options struct {
	ReferenceSpeaker string
	OutputDir        string
	OutputName       string
	Speed            float32
	// Speaker is the base speaker of a single-speaker run. Empty selects the
	// synthesizer's first speaker.
	Speaker         string
	IterateSpeakers bool
	IterationMode   string
	SplitSentences  bool
	NormalizeText   bool
	Watermark       string
	CallTimeout     time.Duration
	CleanOutputDir  bool
	ReportPath      string

	Logger zerolog.Logger
	Cache  *embedding.Cache
}

type Pipeline struct {
	synth   engine.Synthesizer
	conv    engine.Converter
	sources *embedding.Store
	opts    Options
	pre     *preprocess.Preprocessor
	log     zerolog.Logger
}

func New(synth engine.Synthesizer, conv engine.Converter, sources *embedding.Store, opts Options) (*Pipeline, error) {
	if synth == nil || conv == nil || sources == nil {
		return nil, fmt.Errorf("%w: synthesizer, converter and source embeddings are required", ErrSetup)
	}
	if opts.Speed == 0 {
		opts.Speed = 1
	}
	if opts.IterationMode == "" {
		opts.IterationMode = ModeFirst
	}
	if opts.IterationMode != ModeFirst && opts.IterationMode != ModeAll {
		return nil, fmt.Errorf("%w: unknown iteration mode %q", ErrSetup, opts.IterationMode)
	}
	if opts.OutputName == "" {
		opts.OutputName = "out.wav"
	}
	return &Pipeline{
		synth:   synth,
		conv:    conv,
		sources: sources,
		opts:    opts,
		pre:     preprocess.NewPreprocessor(),
		log:     opts.Logger,
	}, nil
}

// run is the state shared by every candidate of one invocation.
type run struct {
	id        string
	log       zerolog.Logger
	sentences iter.Seq[string]
	target    embedding.Embedding
	scratch   string
	result    *Result
}

// Run clones text according to the options: one speaker, or every speaker
// when IterateSpeakers is set. Once any speaker has been attempted the
// report, if configured, is written whether or not the run succeeded.
func (p *Pipeline) Run(ctx context.Context, text string) (*Result, error) {
	var (
		res *Result
		err error
	)
	if p.opts.IterateSpeakers {
		res, err = p.Iterate(ctx, text)
	} else {
		res, err = p.Clone(ctx, text, p.opts.Speaker)
	}
	if p.opts.ReportPath != "" && res != nil {
		if werr := WriteReport(p.opts.ReportPath, res); werr != nil {
			p.log.Warn().Err(werr).Str("path", p.opts.ReportPath).Msg("Failed to write run report")
		}
	}
	return res, err
}

// Clone converts text with a single base speaker and writes the result to
// OutputDir/OutputName. Every failure is fatal.
func (p *Pipeline) Clone(ctx context.Context, text, speaker string) (*Result, error) {
	if speaker == "" {
		speakers := p.synth.Speakers()
		if len(speakers) == 0 {
			return nil, fmt.Errorf("%w: synthesizer has no speakers", ErrSetup)
		}
		speaker = speakers[0]
	}

	r, cleanup, err := p.prepare(ctx, text, "single")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	outcome := p.candidate(ctx, r, speaker, filepath.Join(p.opts.OutputDir, p.opts.OutputName))
	if outcome.Status == StatusSkipped {
		outcome.Status = StatusFailed
	}
	r.result.Outcomes = append(r.result.Outcomes, outcome)
	if outcome.Status != StatusSucceeded {
		return r.result, outcome.Err
	}
	return r.result, nil
}

// Iterate tries the synthesizer's speakers in order. A speaker whose
// embedding is missing or whose synthesis or conversion fails is skipped. In
// ModeFirst the first success ends the run; in ModeAll every speaker is tried
// and each success is written to <name>_<key><ext>.
func (p *Pipeline) Iterate(ctx context.Context, text string) (*Result, error) {
	r, cleanup, err := p.prepare(ctx, text, p.opts.IterationMode)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	speakers := p.synth.Speakers()
	if len(speakers) == 0 {
		return r.result, fmt.Errorf("%w: synthesizer has no speakers", ErrNoSpeakerSucceeded)
	}

	succeeded := 0
	for _, speaker := range speakers {
		outPath := filepath.Join(p.opts.OutputDir, p.opts.OutputName)
		if p.opts.IterationMode == ModeAll {
			outPath = perSpeakerPath(p.opts.OutputDir, p.opts.OutputName, embedding.Key(speaker))
		}

		outcome := p.candidate(ctx, r, speaker, outPath)
		r.result.Outcomes = append(r.result.Outcomes, outcome)

		switch outcome.Status {
		case StatusFailed:
			return r.result, outcome.Err
		case StatusSkipped:
			r.log.Warn().Err(outcome.Err).Str("speaker", speaker).Msg("Skipping speaker")
			continue
		}
		succeeded++
		if p.opts.IterationMode == ModeFirst {
			return r.result, nil
		}
	}

	if succeeded == 0 {
		return r.result, fmt.Errorf("%w: all %d speakers skipped", ErrNoSpeakerSucceeded, len(speakers))
	}
	return r.result, nil
}

// validKey reports whether key can name a file in the scratch, output and
// embedding directories.
func validKey(key string) bool {
	return key != "" && key != "." && key != ".." && filepath.Base(key) == key && !strings.ContainsRune(key, '\\')
}

func perSpeakerPath(dir, name, key string) string {
	ext := filepath.Ext(name)
	return filepath.Join(dir, strings.TrimSuffix(name, ext)+"_"+key+ext)
}

// prepare validates the input, sets up the output and scratch directories and
// obtains the target embedding. cleanup removes the scratch directory.
func (p *Pipeline) prepare(ctx context.Context, text, mode string) (*run, func(), error) {
	r := &run{
		id: uuid.NewString(),
	}
	r.log = p.log.With().Str("run_id", r.id).Logger()
	r.result = &Result{
		RunID:     r.id,
		Mode:      mode,
		Reference: p.opts.ReferenceSpeaker,
		StartedAt: time.Now(),
	}

	if p.opts.NormalizeText {
		text = p.pre.Process(text)
	}
	r.sentences = p.chunks(text)
	if isEmpty(r.sentences) {
		return nil, nil, ErrEmptyText
	}

	if _, err := os.Stat(p.opts.ReferenceSpeaker); err != nil {
		return nil, nil, fmt.Errorf("%w: reference speaker %s: %w", ErrMissingResource, p.opts.ReferenceSpeaker, err)
	}

	if err := p.prepareOutputDir(); err != nil {
		return nil, nil, err
	}

	r.scratch = filepath.Join(p.opts.OutputDir, scratchPrefix+r.id)
	if err := os.MkdirAll(r.scratch, 0o755); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to create scratch directory: %w", ErrSetup, err)
	}
	cleanup := func() {
		if err := os.RemoveAll(r.scratch); err != nil {
			r.log.Warn().Err(err).Str("dir", r.scratch).Msg("Failed to remove scratch directory")
		}
	}

	target, err := p.targetEmbedding(ctx, r)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	r.target = target

	r.log.Info().
		Str("reference", p.opts.ReferenceSpeaker).
		Str("mode", mode).
		Int("target_dim", target.Dim()).
		Msg("Run prepared")
	return r, cleanup, nil
}

func (p *Pipeline) prepareOutputDir() error {
	dir := p.opts.OutputDir
	if p.opts.CleanOutputDir {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("%w: failed to clear output directory: %w", ErrSetup, err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: failed to create output directory: %w", ErrSetup, err)
	}
	return nil
}

func (p *Pipeline) chunks(text string) iter.Seq[string] {
	if p.opts.SplitSentences {
		return preprocess.Sentences(text)
	}
	text = strings.TrimSpace(text)
	return func(yield func(string) bool) {
		if text != "" {
			yield(text)
		}
	}
}

func isEmpty(seq iter.Seq[string]) bool {
	for range seq {
		return false
	}
	return true
}

func (p *Pipeline) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.CallTimeout > 0 {
		return context.WithTimeout(ctx, p.opts.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (p *Pipeline) targetEmbedding(ctx context.Context, r *run) (embedding.Embedding, error) {
	ref := p.opts.ReferenceSpeaker
	cache := p.opts.Cache

	if cache != nil {
		e, ok, err := cache.Lookup(ref)
		if err != nil {
			r.log.Warn().Err(err).Msg("Ignoring unreadable cached embedding")
		} else if ok {
			r.log.Debug().Str("cache", cache.Dir()).Msg("Using cached target embedding")
			return e, nil
		}
	}

	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	e, err := p.conv.ExtractEmbedding(callCtx, ref)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: failed to extract target embedding: %w", ErrConversion, err)
	}

	if cache != nil {
		if err := cache.Save(ref, e); err != nil {
			r.log.Warn().Err(err).Msg("Failed to cache target embedding")
		}
	}
	return e, nil
}

// candidate runs one speaker end to end. The converted file is written in the
// scratch directory first and renamed into place, so a failed candidate never
// leaves output behind.
func (p *Pipeline) candidate(ctx context.Context, r *run, speaker, outPath string) Outcome {
	start := time.Now()
	key := embedding.Key(speaker)
	outcome := Outcome{Speaker: speaker, Key: key}
	log := r.log.With().Str("speaker", speaker).Logger()

	finish := func(err error) Outcome {
		outcome.Elapsed = time.Since(start)
		switch {
		case err == nil:
			outcome.Status = StatusSucceeded
			outcome.OutputPath = outPath
		case ctx.Err() != nil:
			outcome.Status = StatusFailed
			outcome.Err = ctx.Err()
		case skippable(err):
			outcome.Status = StatusSkipped
			outcome.Err = err
		default:
			outcome.Status = StatusFailed
			outcome.Err = err
		}
		return outcome
	}

	if !validKey(key) {
		return finish(fmt.Errorf("%w: speaker %q does not map to a file name", ErrMissingResource, speaker))
	}

	source, err := p.sources.Get(key)
	if err != nil {
		return finish(fmt.Errorf("%w: source embedding for %s: %w", ErrMissingResource, speaker, err))
	}

	dir := filepath.Join(r.scratch, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return finish(fmt.Errorf("%w: failed to create speaker scratch directory: %w", ErrSetup, err))
	}
	defer os.RemoveAll(dir)

	combined, info, chunks, err := p.synthesizeChunks(ctx, r, dir, speaker)
	if err != nil {
		return finish(err)
	}
	outcome.Chunks = chunks
	outcome.Audio = info.Duration()

	converted := filepath.Join(dir, "converted.wav")
	if err := p.convert(ctx, combined, source, r.target, converted); err != nil {
		return finish(err)
	}
	if err := os.Rename(converted, outPath); err != nil {
		return finish(fmt.Errorf("%w: failed to move output into place: %w", ErrSetup, err))
	}

	var size uint64
	if st, err := os.Stat(outPath); err == nil {
		size = uint64(st.Size())
	}
	log.Info().
		Str("output", outPath).
		Int("chunks", chunks).
		Dur("audio", outcome.Audio).
		Str("size", humanize.Bytes(size)).
		Msg("Voice cloned")
	return finish(nil)
}

// synthesizeChunks writes one chunk_NNN.wav per sentence and joins them into
// combined.wav. The first failing chunk aborts the text.
func (p *Pipeline) synthesizeChunks(ctx context.Context, r *run, dir, speaker string) (string, audio.Info, int, error) {
	var paths []string
	for sentence := range r.sentences {
		path := filepath.Join(dir, fmt.Sprintf("chunk_%03d.wav", len(paths)))

		callCtx, cancel := p.callContext(ctx)
		err := p.synth.Synthesize(callCtx, engine.SynthesisRequest{
			Text:       sentence,
			Speaker:    speaker,
			Speed:      p.opts.Speed,
			OutputPath: path,
		})
		cancel()
		if err != nil {
			return "", audio.Info{}, 0, fmt.Errorf("%w: chunk %d: %w", ErrSynthesis, len(paths), err)
		}

		r.log.Debug().Str("speaker", speaker).Int("chunk", len(paths)).Str("text", sentence).Msg("Chunk synthesized")
		paths = append(paths, path)
	}

	combined := filepath.Join(dir, "combined.wav")
	info, err := audio.Concat(combined, paths...)
	if err != nil {
		return "", audio.Info{}, 0, fmt.Errorf("%w: failed to join chunks: %w", ErrSynthesis, err)
	}
	return combined, info, len(paths), nil
}

func (p *Pipeline) convert(ctx context.Context, srcPath string, source, target embedding.Embedding, outPath string) error {
	callCtx, cancel := p.callContext(ctx)
	defer cancel()

	err := p.conv.Convert(callCtx, engine.ConvertRequest{
		SourcePath:      srcPath,
		SourceEmbedding: source,
		TargetEmbedding: target,
		OutputPath:      outPath,
		Message:         p.opts.Watermark,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConversion, err)
	}
	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("%w: converter wrote no output: %w", ErrConversion, err)
	}
	return nil
}
