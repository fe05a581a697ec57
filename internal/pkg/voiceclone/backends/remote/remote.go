// Package remote talks to a model server over HTTP. It is registered as the
// "http" synthesizer and converter.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"voiceclone/internal/pkg/voiceclone/embedding"
	"voiceclone/internal/pkg/voiceclone/engine"
)

func init() {
	engine.RegisterSynthesizer("http", NewSynthesizer)
	engine.RegisterConverter("http", NewConverter)
}

type client struct {
	baseURL    string
	device     string
	httpClient *http.Client
}

func newClient(cfg engine.EngineConfig) (*client, error) {
	base := strings.TrimRight(cfg.URL, "/")
	if base == "" {
		return nil, fmt.Errorf("model server URL empty")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("model server URL %q must start with http:// or https://", cfg.URL)
	}
	return &client{
		baseURL:    base,
		device:     cfg.Device,
		httpClient: &http.Client{},
	}, nil
}

func (c *client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("model server error: %s %s: %s - %s", method, path, resp.Status, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

func (c *client) fetchWAV(ctx context.Context, path string, payload any, outputPath string) error {
	data, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return fmt.Errorf("model server returned %d bytes that are not a WAV file", len(data))
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

func readBase64(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

type speakersResponse struct {
	Speakers   []string `json:"speakers"`
	SampleRate int      `json:"sample_rate"`
}

type synthesizeRequest struct {
	Text    string  `json:"text"`
	Speaker string  `json:"speaker"`
	Speed   float32 `json:"speed"`
	Device  string  `json:"device,omitempty"`
}

type embeddingRequest struct {
	Audio  string `json:"audio"`
	Device string `json:"device,omitempty"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

type convertRequest struct {
	Source          string    `json:"source"`
	SourceEmbedding []float32 `json:"source_embedding"`
	TargetEmbedding []float32 `json:"target_embedding"`
	Message         string    `json:"message"`
	Device          string    `json:"device,omitempty"`
}

type Synthesizer struct {
	c          *client
	speakers   []string
	sampleRate int
}

func NewSynthesizer(cfg engine.EngineConfig) (engine.Synthesizer, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	data, err := c.do(context.Background(), http.MethodGet, "/speakers", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list speakers: %w", err)
	}
	var resp speakersResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode speakers: %w", err)
	}

	speakers := resp.Speakers
	if len(cfg.SpeakerIDs) > 0 {
		speakers = cfg.SpeakerIDs
	}
	return &Synthesizer{
		c:          c,
		speakers:   append([]string(nil), speakers...),
		sampleRate: resp.SampleRate,
	}, nil
}

func (s *Synthesizer) Synthesize(ctx context.Context, req engine.SynthesisRequest) error {
	return s.c.fetchWAV(ctx, "/synthesize", synthesizeRequest{
		Text:    req.Text,
		Speaker: req.Speaker,
		Speed:   req.Speed,
		Device:  s.c.device,
	}, req.OutputPath)
}

func (s *Synthesizer) Speakers() []string {
	return append([]string(nil), s.speakers...)
}

func (s *Synthesizer) Info() engine.EngineInfo {
	return engine.EngineInfo{
		Name:       "http:" + s.c.baseURL,
		SampleRate: s.sampleRate,
	}
}

func (s *Synthesizer) Close() error {
	s.c.httpClient.CloseIdleConnections()
	return nil
}

type Converter struct {
	c *client
}

func NewConverter(cfg engine.EngineConfig) (engine.Converter, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Converter{c: c}, nil
}

func (v *Converter) ExtractEmbedding(ctx context.Context, audioPath string) (embedding.Embedding, error) {
	audio, err := readBase64(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference audio: %w", err)
	}

	data, err := v.c.do(ctx, http.MethodPost, "/embedding", embeddingRequest{Audio: audio, Device: v.c.device})
	if err != nil {
		return nil, err
	}
	var resp embeddingResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode embedding: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("model server returned an empty embedding")
	}
	return embedding.Embedding(resp.Embedding), nil
}

func (v *Converter) Convert(ctx context.Context, req engine.ConvertRequest) error {
	source, err := readBase64(req.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to read source audio: %w", err)
	}
	return v.c.fetchWAV(ctx, "/convert", convertRequest{
		Source:          source,
		SourceEmbedding: req.SourceEmbedding,
		TargetEmbedding: req.TargetEmbedding,
		Message:         req.Message,
		Device:          v.c.device,
	}, req.OutputPath)
}

func (v *Converter) Close() error {
	v.c.httpClient.CloseIdleConnections()
	return nil
}
