package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"voiceclone/internal/pkg/voiceclone/engine"
)

// DefaultText is synthesized when no text is given on the command line.
const DefaultText = "Italy's northern regions are facing an outbreak of African swine fever. " +
	"The disease was first detected in late August, and efforts are underway to contain the spread."

const (
	IterationFirst = "first"
	IterationAll   = "all"
)

// ErrHelp is returned after the usage text has been printed.
var ErrHelp = errors.New("help requested")

type Config struct {
	Text             string  `mapstructure:"text"`
	OutputDir        string  `mapstructure:"output_dir"`
	OutputName       string  `mapstructure:"output_name"`
	ReferenceSpeaker string  `mapstructure:"reference_speaker"`
	Speed            float32 `mapstructure:"speed"`
	Speaker          string  `mapstructure:"speaker"`
	IterateSpeakers  bool    `mapstructure:"iterate_speakers"`
	IterationMode    string  `mapstructure:"iteration_mode"`
	SplitSentences   bool    `mapstructure:"split_sentences"`
	NormalizeText    bool    `mapstructure:"normalize_text"`
	Watermark        string  `mapstructure:"watermark"`
	Device           string  `mapstructure:"device"`

	Synthesizer string   `mapstructure:"synthesizer"`
	Converter   string   `mapstructure:"converter"`
	ModelPath   string   `mapstructure:"model_path"`
	TokensPath  string   `mapstructure:"tokens_path"`
	LexiconPath string   `mapstructure:"lexicon_path"`
	SpeakerIDs  []string `mapstructure:"speaker_ids"`

	SynthCommand     string `mapstructure:"synth_command"`
	ConverterCommand string `mapstructure:"converter_command"`
	SynthURL         string `mapstructure:"synth_url"`
	ConverterURL     string `mapstructure:"converter_url"`

	EmbeddingsPath    string        `mapstructure:"embeddings_path"`
	EmbeddingCacheDir string        `mapstructure:"embedding_cache_dir"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	CleanOutputDir    bool          `mapstructure:"clean_output_dir"`
	ReportPath        string        `mapstructure:"report_path"`

	LogLevel     string `mapstructure:"log_level"`
	LogFile      string `mapstructure:"log_file"`
	ListSpeakers bool   `mapstructure:"list_speakers"`
}

// OutputPath is where the converted audio of a single-speaker run is written.
func (c *Config) OutputPath() string {
	return filepath.Join(c.OutputDir, c.OutputName)
}

func (c *Config) SynthesizerConfig(device string) engine.EngineConfig {
	return engine.EngineConfig{
		Device:      device,
		ModelPath:   c.ModelPath,
		TokensPath:  c.TokensPath,
		LexiconPath: c.LexiconPath,
		SpeakerIDs:  c.SpeakerIDs,
		Command:     c.SynthCommand,
		URL:         c.SynthURL,
	}
}

func (c *Config) ConverterConfig(device string) engine.EngineConfig {
	return engine.EngineConfig{
		Device:  device,
		Command: c.ConverterCommand,
		URL:     c.ConverterURL,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output_dir", "outputs")
	v.SetDefault("output_name", "out.wav")
	v.SetDefault("reference_speaker", "resources/example_reference.mp3")
	v.SetDefault("speed", 1.0)
	v.SetDefault("speaker", "")
	v.SetDefault("iterate_speakers", false)
	v.SetDefault("iteration_mode", IterationFirst)
	v.SetDefault("split_sentences", true)
	v.SetDefault("normalize_text", true)
	v.SetDefault("watermark", "@MyShell")
	v.SetDefault("device", engine.DeviceAuto)
	v.SetDefault("synthesizer", "melo")
	v.SetDefault("converter", "exec")
	v.SetDefault("model_path", "models/melo/model.onnx")
	v.SetDefault("embeddings_path", "checkpoints/base_speakers/ses")
	v.SetDefault("embedding_cache_dir", "processed")
	v.SetDefault("call_timeout", 5*time.Minute)
	v.SetDefault("clean_output_dir", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("voiceclone", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Path to config file")
	fs.StringP("text", "t", "", "Text to synthesize (use '-' to read from stdin)")
	fs.StringP("file", "f", "", "Read text from file")
	fs.StringP("output-dir", "o", "", "Output directory")
	fs.StringP("output-name", "n", "", "Output WAV file name")
	fs.StringP("reference", "r", "", "Reference speaker audio")
	fs.Float32P("speed", "s", 1.0, "Speech speed (0.5-2.0)")
	fs.String("speaker", "", "Base speaker (default: first speaker of the synthesizer)")
	fs.BoolP("iterate-speakers", "i", false, "Try every base speaker until one succeeds")
	fs.String("iteration-mode", "", "Speaker iteration mode (first, all)")
	fs.Bool("split-sentences", true, "Synthesize sentence by sentence")
	fs.Bool("normalize-text", true, "Normalize quotes, dashes and whitespace")
	fs.String("watermark", "", "Watermark message passed to the converter")
	fs.StringP("device", "d", "", "Inference device (auto, cpu, cuda, cuda:N)")
	fs.String("synthesizer", "", "Synthesizer backend")
	fs.String("converter", "", "Converter backend")
	fs.StringP("model", "m", "", "Path to ONNX synthesizer model")
	fs.String("tokens", "", "Path to tokens.txt")
	fs.String("lexicon", "", "Path to lexicon.txt")
	fs.StringSlice("speaker-ids", nil, "Synthesizer speaker table, in sid order")
	fs.String("embeddings", "", "Source speaker embeddings (directory of .npy or .npz)")
	fs.String("embedding-cache", "", "Directory caching reference embeddings")
	fs.String("synth-command", "", "Worker command of the exec synthesizer")
	fs.String("converter-command", "", "Worker command of the exec converter")
	fs.String("synth-url", "", "Model server of the http synthesizer")
	fs.String("converter-url", "", "Model server of the http converter")
	fs.Duration("call-timeout", 0, "Timeout of each model call (0 disables)")
	fs.Bool("clean-output-dir", false, "Empty the output directory before the run")
	fs.String("report", "", "Write a YAML run report to this path")
	fs.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	fs.String("log-file", "", "Log file path")
	fs.Bool("list-speakers", false, "List base speakers and exit")
	fs.BoolP("help", "h", false, "Show help message")
	return fs
}

var flagKeys = map[string]string{
	"text":                "text",
	"output_dir":          "output-dir",
	"output_name":         "output-name",
	"reference_speaker":   "reference",
	"speed":               "speed",
	"speaker":             "speaker",
	"iterate_speakers":    "iterate-speakers",
	"iteration_mode":      "iteration-mode",
	"split_sentences":     "split-sentences",
	"normalize_text":      "normalize-text",
	"watermark":           "watermark",
	"device":              "device",
	"synthesizer":         "synthesizer",
	"converter":           "converter",
	"model_path":          "model",
	"tokens_path":         "tokens",
	"lexicon_path":        "lexicon",
	"speaker_ids":         "speaker-ids",
	"embeddings_path":     "embeddings",
	"embedding_cache_dir": "embedding-cache",
	"synth_command":       "synth-command",
	"converter_command":   "converter-command",
	"synth_url":           "synth-url",
	"converter_url":       "converter-url",
	"call_timeout":        "call-timeout",
	"clean_output_dir":    "clean-output-dir",
	"report_path":         "report",
	"log_level":           "log-level",
	"log_file":            "log-file",
	"list_speakers":       "list-speakers",
}

// LoadAndParse builds the configuration from defaults, the config file,
// VOICECLONE_* environment variables and args, in increasing precedence.
// Positional arguments are text, output directory and output file name.
func LoadAndParse(args []string) (*Config, error) {
	return load(args, os.Stdin)
}

func load(args []string, stdin io.Reader) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	flagSet := newFlagSet()
	if err := flagSet.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: voiceclone [options] [text [output_dir [output_name]]]\n\nOptions:\n")
		flagSet.PrintDefaults()
		return nil, ErrHelp
	}

	for key, flag := range flagKeys {
		if err := v.BindPFlag(key, flagSet.Lookup(flag)); err != nil {
			return nil, err
		}
	}

	configFile, _ := flagSet.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("voiceclone.cfg")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "voiceclone"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("VOICECLONE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.applyArgs(flagSet, v.IsSet("text"), stdin); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// textSet reports whether text came from a flag, the config file or the
// environment, so an explicitly empty text is kept and rejected later.
func (c *Config) applyArgs(flagSet *pflag.FlagSet, textSet bool, stdin io.Reader) error {
	args := flagSet.Args()
	if len(args) > 3 {
		return fmt.Errorf("too many arguments: want at most text, output directory and output name, got %d", len(args))
	}

	textFile, _ := flagSet.GetString("file")
	textGiven := textFile != "" || textSet

	if len(args) > 0 {
		if textGiven {
			return fmt.Errorf("text given both as an argument and with -t/-f")
		}
		c.Text = args[0]
		textGiven = true
	}
	if len(args) > 1 {
		c.OutputDir = args[1]
	}
	if len(args) > 2 {
		c.OutputName = args[2]
	}

	switch {
	case textFile != "":
		content, err := os.ReadFile(textFile)
		if err != nil {
			return fmt.Errorf("failed to read text file: %w", err)
		}
		c.Text = strings.TrimSpace(string(content))
	case c.Text == "-":
		content, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
		c.Text = strings.TrimSpace(string(content))
	case !textGiven:
		c.Text = DefaultText
	}
	return nil
}

func (c *Config) validate() error {
	if c.Speed < 0.5 || c.Speed > 2.0 {
		return fmt.Errorf("speed must be between 0.5 and 2.0")
	}
	if c.IterationMode != IterationFirst && c.IterationMode != IterationAll {
		return fmt.Errorf("iteration mode must be %q or %q, got %q", IterationFirst, IterationAll, c.IterationMode)
	}
	if c.Synthesizer == "" || c.Converter == "" {
		return fmt.Errorf("synthesizer and converter backends are required")
	}
	if c.OutputName == "" || filepath.Base(c.OutputName) != c.OutputName {
		return fmt.Errorf("output name %q must be a plain file name", c.OutputName)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if _, err := engine.ResolveDevice(c.Device); err != nil {
		return err
	}
	return nil
}
