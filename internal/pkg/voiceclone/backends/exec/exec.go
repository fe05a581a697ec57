// Package exec reaches models that live in another runtime through a worker
// command. Each call starts the command, writes one JSON request to its stdin
// and reads one JSON response line from its stdout. The worker writes audio
// directly to the paths named in the request.
package exec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	osexec "os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"voiceclone/internal/pkg/voiceclone/embedding"
	"voiceclone/internal/pkg/voiceclone/engine"
)

const (
	opSpeakers         = "speakers"
	opSynthesize       = "synthesize"
	opExtractEmbedding = "extract_embedding"
	opConvert          = "convert"
)

func init() {
	engine.RegisterSynthesizer("exec", NewSynthesizer)
	engine.RegisterConverter("exec", NewConverter)
}

type request struct {
	Op     string `json:"op"`
	Device string `json:"device,omitempty"`

	Text    string  `json:"text,omitempty"`
	Speaker string  `json:"speaker,omitempty"`
	Speed   float32 `json:"speed,omitempty"`

	AudioPath       string    `json:"audio_path,omitempty"`
	SourcePath      string    `json:"source_path,omitempty"`
	SourceEmbedding []float32 `json:"source_embedding,omitempty"`
	TargetEmbedding []float32 `json:"target_embedding,omitempty"`
	Message         string    `json:"message,omitempty"`

	OutputPath string `json:"output_path,omitempty"`
}

type response struct {
	Error      string    `json:"error,omitempty"`
	Speakers   []string  `json:"speakers,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
}

type worker struct {
	cmd    []string
	device string
}

func newWorker(cfg engine.EngineConfig) (*worker, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse worker command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("worker command empty")
	}
	return &worker{cmd: args, device: cfg.Device}, nil
}

func (w *worker) call(ctx context.Context, req request) (*response, error) {
	req.Device = w.device
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	cmd := osexec.CommandContext(ctx, w.cmd[0], w.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(append(data, '\n'))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("worker %s: %w", req.Op, ctxErr)
	}

	resp, parseErr := firstResponse(stdout.Bytes())
	if parseErr == nil && resp.Error != "" {
		return nil, fmt.Errorf("worker %s: %s", req.Op, resp.Error)
	}
	if runErr != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("worker %s: %w: %s", req.Op, runErr, msg)
		}
		return nil, fmt.Errorf("worker %s: %w", req.Op, runErr)
	}
	if parseErr != nil {
		return nil, fmt.Errorf("worker %s: %w", req.Op, parseErr)
	}
	return resp, nil
}

// firstResponse decodes the first non-empty line of out; anything after it is
// ignored.
func firstResponse(out []byte) (*response, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return &resp, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("empty response")
}

type Synthesizer struct {
	w          *worker
	speakers   []string
	sampleRate int
}

// NewSynthesizer asks the worker for its speaker table once; the table is
// fixed for the life of the synthesizer.
func NewSynthesizer(cfg engine.EngineConfig) (engine.Synthesizer, error) {
	w, err := newWorker(cfg)
	if err != nil {
		return nil, err
	}
	resp, err := w.call(context.Background(), request{Op: opSpeakers})
	if err != nil {
		return nil, fmt.Errorf("failed to list speakers: %w", err)
	}
	speakers := resp.Speakers
	if len(cfg.SpeakerIDs) > 0 {
		speakers = cfg.SpeakerIDs
	}
	return &Synthesizer{
		w:          w,
		speakers:   append([]string(nil), speakers...),
		sampleRate: resp.SampleRate,
	}, nil
}

func (s *Synthesizer) Synthesize(ctx context.Context, req engine.SynthesisRequest) error {
	_, err := s.w.call(ctx, request{
		Op:         opSynthesize,
		Text:       req.Text,
		Speaker:    req.Speaker,
		Speed:      req.Speed,
		OutputPath: req.OutputPath,
	})
	return err
}

func (s *Synthesizer) Speakers() []string {
	return append([]string(nil), s.speakers...)
}

func (s *Synthesizer) Info() engine.EngineInfo {
	return engine.EngineInfo{
		Name:       "exec:" + s.w.cmd[0],
		SampleRate: s.sampleRate,
	}
}

func (s *Synthesizer) Close() error {
	return nil
}

type Converter struct {
	w *worker
}

func NewConverter(cfg engine.EngineConfig) (engine.Converter, error) {
	w, err := newWorker(cfg)
	if err != nil {
		return nil, err
	}
	return &Converter{w: w}, nil
}

func (c *Converter) ExtractEmbedding(ctx context.Context, audioPath string) (embedding.Embedding, error) {
	resp, err := c.w.call(ctx, request{Op: opExtractEmbedding, AudioPath: audioPath})
	if err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("worker %s: empty embedding", opExtractEmbedding)
	}
	return embedding.Embedding(resp.Embedding), nil
}

func (c *Converter) Convert(ctx context.Context, req engine.ConvertRequest) error {
	_, err := c.w.call(ctx, request{
		Op:              opConvert,
		SourcePath:      req.SourcePath,
		SourceEmbedding: req.SourceEmbedding,
		TargetEmbedding: req.TargetEmbedding,
		Message:         req.Message,
		OutputPath:      req.OutputPath,
	})
	return err
}

func (c *Converter) Close() error {
	return nil
}
