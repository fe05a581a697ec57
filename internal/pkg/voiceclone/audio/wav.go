package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	SampleRate    = 44100
	NumChannels   = 1
	BitsPerSample = 16

	wavFormatPCM = 1
)

var (
	ErrNoInput        = errors.New("audio: no input files")
	ErrFormatMismatch = errors.New("audio: format mismatch")
	ErrInvalidWAV     = errors.New("audio: invalid wav file")
)

// Format holds the parameters that must agree between two files before their
// frames can be appended to each other.
type Format struct {
	NumChannels int
	BitDepth    int
	SampleRate  int
}

func (f Format) String() string {
	return fmt.Sprintf("%dch/%dbit/%dHz", f.NumChannels, f.BitDepth, f.SampleRate)
}

// Info describes a WAV file on disk.
type Info struct {
	Format
	Frames int
}

func (i Info) Duration() time.Duration {
	if i.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(i.Frames) / float64(i.SampleRate) * float64(time.Second))
}

type Audio struct {
	Samples    []float32
	SampleRate int
}

func NewAudio(samples []float32) *Audio {
	return NewAudioWithSampleRate(samples, SampleRate)
}

func NewAudioWithSampleRate(samples []float32, sampleRate int) *Audio {
	return &Audio{
		Samples:    samples,
		SampleRate: sampleRate,
	}
}

// SaveWAV writes the samples as 16-bit mono PCM, clamping to [-1, 1].
func (a *Audio) SaveWAV(path string) error {
	data := make([]int, len(a.Samples))
	for i, sample := range a.Samples {
		clamped := sample
		if clamped > 1.0 {
			clamped = 1.0
		} else if clamped < -1.0 {
			clamped = -1.0
		}
		data[i] = int(clamped * math.MaxInt16)
	}

	buf := &goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{NumChannels: NumChannels, SampleRate: a.SampleRate},
		SourceBitDepth: BitsPerSample,
	}
	format := Format{NumChannels: NumChannels, BitDepth: BitsPerSample, SampleRate: a.SampleRate}
	return writePCM(path, format, buf)
}

func (a *Audio) Duration() float64 {
	return float64(len(a.Samples)) / float64(a.SampleRate)
}

// ReadInfo decodes the file at path and reports its format and frame count.
func ReadInfo(path string) (Info, error) {
	buf, format, err := readPCM(path)
	if err != nil {
		return Info{}, err
	}
	return Info{Format: format, Frames: len(buf.Data) / format.NumChannels}, nil
}

// Concat writes one file at outPath whose header carries the format of the
// first input and whose body is the frames of every input in order. Inputs
// with a different format are rejected rather than appended blindly.
func Concat(outPath string, inputs ...string) (Info, error) {
	if len(inputs) == 0 {
		return Info{}, ErrNoInput
	}

	var (
		first Format
		data  []int
	)
	for i, path := range inputs {
		buf, format, err := readPCM(path)
		if err != nil {
			return Info{}, err
		}
		if i == 0 {
			first = format
		} else if format != first {
			return Info{}, fmt.Errorf("%w: %s is %s, expected %s", ErrFormatMismatch, path, format, first)
		}
		data = append(data, buf.Data...)
	}

	out := &goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{NumChannels: first.NumChannels, SampleRate: first.SampleRate},
		SourceBitDepth: first.BitDepth,
	}
	if err := writePCM(outPath, first, out); err != nil {
		return Info{}, err
	}

	return Info{Format: first, Frames: len(data) / first.NumChannels}, nil
}

func readPCM(path string) (*goaudio.IntBuffer, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("failed to open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, Format{}, fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	format := Format{
		NumChannels: int(dec.NumChans),
		BitDepth:    int(dec.BitDepth),
		SampleRate:  int(dec.SampleRate),
	}
	if format.NumChannels == 0 {
		return nil, Format{}, fmt.Errorf("%w: %s has no channels", ErrInvalidWAV, path)
	}
	return buf, format, nil
}

func writePCM(path string, format Format, buf *goaudio.IntBuffer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	enc := wav.NewEncoder(f, format.SampleRate, format.BitDepth, format.NumChannels, wavFormatPCM)
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("failed to write wav data: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("failed to finalize wav: %w", err)
	}
	return f.Close()
}
