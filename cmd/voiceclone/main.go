package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"voiceclone/internal/pkg/voiceclone/config"
	"voiceclone/internal/pkg/voiceclone/embedding"
	"voiceclone/internal/pkg/voiceclone/engine"
	"voiceclone/internal/pkg/voiceclone/pipeline"

	_ "voiceclone/internal/pkg/voiceclone/backends/exec"
	_ "voiceclone/internal/pkg/voiceclone/backends/melo"
	_ "voiceclone/internal/pkg/voiceclone/backends/remote"
)

func main() {
	fmt.Fprintf(os.Stderr, "voiceclone %s\n", Version)

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.LoadAndParse(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse configuration")
	}

	logFile, err := setupLogging(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup logging")
	}
	if logFile != nil {
		defer logFile.Close()
	}

	device, err := engine.ResolveDevice(cfg.Device)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid device")
	}

	log.Debug().
		Str("synthesizer", cfg.Synthesizer).
		Str("converter", cfg.Converter).
		Str("device", device).
		Str("reference", cfg.ReferenceSpeaker).
		Str("embeddings", cfg.EmbeddingsPath).
		Str("output", cfg.OutputPath()).
		Float32("speed", cfg.Speed).
		Bool("iterate", cfg.IterateSpeakers).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, device); err != nil {
		stop()
		log.Fatal().Err(err).Msg("Voice cloning failed")
	}
}

func run(ctx context.Context, cfg *config.Config, device string) error {
	log.Info().Str("backend", cfg.Synthesizer).Str("device", device).Msg("Loading synthesizer...")
	synth, err := engine.NewSynthesizer(cfg.Synthesizer, cfg.SynthesizerConfig(device))
	if err != nil {
		return fmt.Errorf("failed to load synthesizer %s: %w", cfg.Synthesizer, err)
	}
	defer synth.Close()

	info := synth.Info()
	log.Debug().
		Str("engine", info.Name).
		Strs("languages", info.Languages).
		Int("sample_rate", info.SampleRate).
		Strs("speakers", synth.Speakers()).
		Msg("Synthesizer loaded")

	sources, err := embedding.Open(cfg.EmbeddingsPath)
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrMissingResource, err)
	}

	if cfg.ListSpeakers {
		listSpeakers(os.Stderr, info, synth.Speakers(), sources)
		return nil
	}

	log.Info().Str("backend", cfg.Converter).Msg("Loading converter...")
	conv, err := engine.NewConverter(cfg.Converter, cfg.ConverterConfig(device))
	if err != nil {
		return fmt.Errorf("failed to load converter %s: %w", cfg.Converter, err)
	}
	defer conv.Close()

	var cache *embedding.Cache
	if cfg.EmbeddingCacheDir != "" {
		cache, err = embedding.NewCache(cfg.EmbeddingCacheDir)
		if err != nil {
			return err
		}
	}

	p, err := pipeline.New(synth, conv, sources, pipeline.Options{
		ReferenceSpeaker: cfg.ReferenceSpeaker,
		OutputDir:        cfg.OutputDir,
		OutputName:       cfg.OutputName,
		Speed:            cfg.Speed,
		Speaker:          cfg.Speaker,
		IterateSpeakers:  cfg.IterateSpeakers,
		IterationMode:    cfg.IterationMode,
		SplitSentences:   cfg.SplitSentences,
		NormalizeText:    cfg.NormalizeText,
		Watermark:        cfg.Watermark,
		CallTimeout:      cfg.CallTimeout,
		CleanOutputDir:   cfg.CleanOutputDir,
		ReportPath:       cfg.ReportPath,
		Logger:           log.Logger,
		Cache:            cache,
	})
	if err != nil {
		return err
	}

	log.Info().Str("text", truncateText(cfg.Text, 50)).Msg("Cloning voice...")
	startTime := time.Now()

	res, err := p.Run(ctx, cfg.Text)
	if err != nil {
		return err
	}

	log.Info().
		Dur("elapsed", time.Since(startTime)).
		Strs("outputs", res.Outputs()).
		Msg("Voice cloned successfully")
	return nil
}

func listSpeakers(w io.Writer, info engine.EngineInfo, speakers []string, sources *embedding.Store) {
	fmt.Fprintf(w, "Synthesizer: %s\n", info.Name)
	if len(info.Languages) > 0 {
		fmt.Fprintf(w, "Languages: %s\n", strings.Join(info.Languages, ", "))
	}
	fmt.Fprintf(w, "Base speakers (%s):\n", humanize.Comma(int64(len(speakers))))
	used := make(map[string]bool, len(speakers))
	for _, s := range speakers {
		key := embedding.Key(s)
		used[key] = true
		status := "missing embedding"
		if sources.Has(key) {
			status = "ok"
		}
		fmt.Fprintf(w, "  %-12s %-12s %s\n", s, key, status)
	}

	var unused []string
	for _, key := range sources.Keys() {
		if !used[key] {
			unused = append(unused, key)
		}
	}
	if len(unused) > 0 {
		fmt.Fprintf(w, "Embeddings without a speaker (%s): %s\n", humanize.Comma(int64(len(unused))), strings.Join(unused, ", "))
	}
}

func setupLogging(cfg *config.Config) (*os.File, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		log.Logger = zerolog.New(f).With().Timestamp().Logger()
		return f, nil
	}

	return nil, nil
}

func truncateText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}
