package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultConfigPath = "~/.config/framepick/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for selection and personalization.
type Config struct {
	Processing      Processing      `json:"processing"`
	Logging         Logging         `json:"logging"`
	Paths           Paths           `json:"paths"`
	Features        Features        `json:"features"`
	Depth           Depth           `json:"depth"`
	Scoring         Scoring         `json:"scoring"`
	Personalization Personalization `json:"personalization"`
	Server          Server          `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelFrames int  `json:"parallel_frames"` // frames scored concurrently within a bundle
	Workers        int  `json:"workers"`         // bundles processed concurrently by the pipeline
	QueueSize      int  `json:"queue_size"`
	MaxDimension   int  `json:"max_dimension"` // longest decoded edge; 0 keeps full resolution
	UseEXIF        bool `json:"use_exif"`      // read capture fields with exiftool when there is no manifest
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures storage locations.
type Paths struct {
	DatabasePath string `json:"database_path"`
	ProfilePath  string `json:"profile_path"` // JSON profile file, used when the database is disabled
	ExportDir    string `json:"export_dir"`
	InboxDir     string `json:"inbox_dir"`
	DeviceID     string `json:"device_id"`
}

// Features holds the tuned normalization constants of the feature extractor.
type Features struct {
	SampleBudget  int     `json:"sample_budget"`  // max samples per axis
	ContrastNorm  float64 `json:"contrast_norm"`  // luma std-dev mapped to contrast 1.0
	SharpnessNorm float64 `json:"sharpness_norm"` // mean Laplacian magnitude mapped to 1.0
	NoiseNorm     float64 `json:"noise_norm"`     // local luma variance mapped to 1.0
	NoiseWindow   int     `json:"noise_window"`   // odd window edge in pixels
}

// Depth tunes the depth quality assessor.
type Depth struct {
	Stride        int     `json:"stride"`
	VarianceScale float64 `json:"variance_scale"` // m^2
	MinQuality    float64 `json:"min_quality"`
}

// FallbackWeights are the heuristic scorer weights. They are renormalized to
// sum to 1.
type FallbackWeights struct {
	Sharpness float64 `json:"sharpness"`
	Exposure  float64 `json:"exposure"`
	Noise     float64 `json:"noise"`
}

// Scoring configures the quality scorer and the optional remote predictor.
type Scoring struct {
	Weights          FallbackWeights `json:"weights"`
	PredictorAddr    string          `json:"predictor_addr"` // empty disables the remote predictor
	PredictorTimeout Duration        `json:"predictor_timeout"`
	PredictorCACert  string          `json:"predictor_ca_cert,omitempty"`
	PredictorCert    string          `json:"predictor_cert,omitempty"`
	PredictorKey     string          `json:"predictor_key,omitempty"`
}

// Personalization tunes the online learner.
type Personalization struct {
	Enabled       bool    `json:"enabled"`
	BaseRate      float64 `json:"base_rate"`
	DecayFactor   float64 `json:"decay_factor"`
	DecayInterval float64 `json:"decay_interval"`
	Damping       float64 `json:"damping"`
	MaxBias       float64 `json:"max_bias"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	Addr     string `json:"addr"`
	GRPCAddr string `json:"grpc_addr"`
	TLSCert  string `json:"tls_cert,omitempty"` // predictor server certificate
	TLSKey   string `json:"tls_key,omitempty"`
}

// Duration is a time.Duration that reads and writes as a string like "40ms".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Path returns the config file location honoring FRAMEPICK_CONFIG.
func Path() string {
	if p := os.Getenv("FRAMEPICK_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that would otherwise break scoring.
func (c *Config) Validate() error {
	if c.Processing.MaxDimension < 0 {
		return fmt.Errorf("processing.max_dimension must not be negative")
	}
	if c.Features.SampleBudget < 1 {
		return fmt.Errorf("features.sample_budget must be >= 1")
	}
	if c.Features.ContrastNorm <= 0 || c.Features.SharpnessNorm <= 0 || c.Features.NoiseNorm <= 0 {
		return fmt.Errorf("features normalization constants must be positive")
	}
	if c.Features.NoiseWindow < 3 || c.Features.NoiseWindow%2 == 0 {
		return fmt.Errorf("features.noise_window must be odd and >= 3")
	}
	if c.Depth.Stride < 1 || c.Depth.VarianceScale <= 0 {
		return fmt.Errorf("depth.stride and depth.variance_scale must be positive")
	}
	w := c.Scoring.Weights
	if w.Sharpness < 0 || w.Exposure < 0 || w.Noise < 0 || w.Sharpness+w.Exposure+w.Noise == 0 {
		return fmt.Errorf("scoring.weights must be non-negative with a positive sum")
	}
	p := c.Personalization
	if p.BaseRate <= 0 || p.DecayFactor <= 0 || p.DecayFactor > 1 || p.DecayInterval <= 0 {
		return fmt.Errorf("personalization learning-rate parameters out of range")
	}
	if p.MaxBias < 0 || p.MaxBias > 1 {
		return fmt.Errorf("personalization.max_bias must be within [0,1]")
	}
	if (c.Scoring.PredictorCert == "") != (c.Scoring.PredictorKey == "") {
		return fmt.Errorf("scoring.predictor_cert and scoring.predictor_key must be set together")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelFrames: defaultParallel,
			Workers:        2,
			QueueSize:      16,
			MaxDimension:   1024,
			UseEXIF:        true,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "framepick.db"),
			ProfilePath:  "",
			ExportDir:    "./export",
			InboxDir:     "./inbox",
			DeviceID:     hostnameOr("framepick-device"),
		},
		Features: Features{
			SampleBudget:  64,
			ContrastNorm:  0.30,
			SharpnessNorm: 0.25,
			NoiseNorm:     0.01,
			NoiseWindow:   7,
		},
		Depth: Depth{
			Stride:        4,
			VarianceScale: 1.0,
			MinQuality:    0.1,
		},
		Scoring: Scoring{
			Weights:          FallbackWeights{Sharpness: 0.4, Exposure: 0.4, Noise: 0.2},
			PredictorTimeout: Duration(40 * time.Millisecond),
		},
		Personalization: Personalization{
			Enabled:       true,
			BaseRate:      0.1,
			DecayFactor:   0.95,
			DecayInterval: 10,
			Damping:       0.15,
			MaxBias:       0.15,
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
		},
	}
}

func hostnameOr(fallback string) string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return fallback
	}
	return h
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
