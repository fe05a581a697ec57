package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Report struct {
	RunID     string          `yaml:"run_id"`
	Mode      string          `yaml:"mode"`
	Reference string          `yaml:"reference"`
	StartedAt time.Time       `yaml:"started_at"`
	Outputs   []string        `yaml:"outputs"`
	Speakers  []SpeakerReport `yaml:"speakers"`
}

type SpeakerReport struct {
	Speaker string `yaml:"speaker"`
	Key     string `yaml:"key"`
	Status  string `yaml:"status"`
	Output  string `yaml:"output,omitempty"`
	Chunks  int    `yaml:"chunks,omitempty"`
	Audio   string `yaml:"audio,omitempty"`
	Elapsed string `yaml:"elapsed"`
	Error   string `yaml:"error,omitempty"`
}

func NewReport(res *Result) Report {
	rep := Report{
		RunID:     res.RunID,
		Mode:      res.Mode,
		Reference: res.Reference,
		StartedAt: res.StartedAt.UTC().Truncate(time.Second),
		Outputs:   res.Outputs(),
	}
	for _, o := range res.Outcomes {
		sr := SpeakerReport{
			Speaker: o.Speaker,
			Key:     o.Key,
			Status:  o.Status.String(),
			Output:  o.OutputPath,
			Chunks:  o.Chunks,
			Elapsed: o.Elapsed.Round(time.Millisecond).String(),
		}
		if o.Audio > 0 {
			sr.Audio = o.Audio.Round(time.Millisecond).String()
		}
		if o.Err != nil {
			sr.Error = o.Err.Error()
		}
		rep.Speakers = append(rep.Speakers, sr)
	}
	return rep
}

func WriteReport(path string, res *Result) error {
	data, err := yaml.Marshal(NewReport(res))
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
