package pipeline

import (
	"errors"
	"time"
)

var (
	ErrMissingResource    = errors.New("missing resource")
	ErrSynthesis          = errors.New("synthesis failed")
	ErrConversion         = errors.New("conversion failed")
	ErrSetup              = errors.New("setup failed")
	ErrEmptyText          = errors.New("text has no sentences")
	ErrNoSpeakerSucceeded = errors.New("no speaker succeeded")
)

type Status int

const (
	StatusSucceeded Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome is the result of one speaker candidate. Err is set unless Status
// is StatusSucceeded.
type Outcome struct {
	Speaker    string
	Key        string
	Status     Status
	OutputPath string
	Chunks     int
	Audio      time.Duration
	Elapsed    time.Duration
	Err        error
}

// skippable reports whether err only disqualifies the current speaker.
func skippable(err error) bool {
	return errors.Is(err, ErrMissingResource) ||
		errors.Is(err, ErrSynthesis) ||
		errors.Is(err, ErrConversion)
}

type Result struct {
	RunID     string
	Mode      string
	Reference string
	StartedAt time.Time
	Outcomes  []Outcome
}

// Outputs lists the files written by succeeded candidates, in speaker order.
func (r *Result) Outputs() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Status == StatusSucceeded {
			out = append(out, o.OutputPath)
		}
	}
	return out
}
