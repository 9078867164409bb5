package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ziheng1027/WeatherCorrectionTool/pkg/models"
)

// ElementConfig describes one meteorological element handled by the pipeline.
type ElementConfig struct {
	// GridVar is the variable name used by the gridded dataset directories
	// and file names (e.g. "tmp" for temperature).
	GridVar string `yaml:"grid_var"`
	// MaxValid is the physical upper bound; station values above it are
	// treated as missing during cleaning.
	MaxValid float64 `yaml:"max_valid"`
	// Lags lists the historical offsets (hours) used as correction features.
	Lags []int `yaml:"lags"`
}

// Config is the domain configuration of the correction tool. Database
// connectivity stays in DB_* env vars; everything about the data lives here.
type Config struct {
	GridDataDir         string `yaml:"grid_data_dir"`
	TerrainPath         string `yaml:"terrain_path"`
	StagingDir          string `yaml:"staging_dir"`
	CorrectionOutputDir string `yaml:"correction_output_dir"`
	ModelsDir           string `yaml:"models_dir"`

	Elements map[string]ElementConfig `yaml:"elements"`

	// LSTYears are years whose grid files carry local standard time; their
	// extracted timestamps are shifted to the common reference before
	// alignment.
	LSTYears []int `yaml:"lst_years"`

	// BlockSize is the side length of correction tiles. Larger blocks reduce
	// per-tile overhead but raise peak memory.
	BlockSize int `yaml:"block_size"`

	// Workers is the default worker-pool size for dispatched jobs.
	Workers int `yaml:"workers"`
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		GridDataDir:         "data/grid",
		TerrainPath:         "data/terrain.grd",
		StagingDir:          "output/staging",
		CorrectionOutputDir: "output/corrected",
		ModelsDir:           "output/models",
		Elements: map[string]ElementConfig{
			models.ElementTemperature:   {GridVar: "tmp", MaxValid: 9999, Lags: []int{1, 3, 24}},
			models.ElementHumidity:      {GridVar: "rhu", MaxValid: 9999, Lags: []int{1, 3, 24}},
			models.ElementPrecipitation: {GridVar: "pre", MaxValid: 9999, Lags: []int{1, 3}},
			models.ElementWindSpeed:     {GridVar: "win", MaxValid: 9999, Lags: []int{1, 3}},
		},
		BlockSize: 64,
		Workers:   4,
	}
}

// Load reads the YAML config file at path, falling back to defaults for
// anything unset. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BlockSize <= 0 {
		return errors.New("block_size must be positive")
	}
	for name := range c.Elements {
		if _, _, err := models.ElementColumns(name); err != nil {
			return errors.Wrapf(err, "config element %q", name)
		}
	}
	return nil
}

// Element looks up an element's configuration.
func (c *Config) Element(name string) (ElementConfig, error) {
	ec, ok := c.Elements[name]
	if !ok {
		return ElementConfig{}, errors.Errorf("element %q is not configured", name)
	}
	return ec, nil
}

// IsLSTYear reports whether a year's grid timestamps are local standard time.
func (c *Config) IsLSTYear(year int) bool {
	for _, y := range c.LSTYears {
		if y == year {
			return true
		}
	}
	return false
}

// DatabaseURL builds the postgres connection string from DB_* env vars,
// loading .env first when present.
func DatabaseURL() (string, error) {
	_ = godotenv.Load()
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url, nil
	}
	user := os.Getenv("DB_USERNAME")
	pass := os.Getenv("DB_PASSWORD")
	host := os.Getenv("DB_HOST")
	port := os.Getenv("DB_PORT")
	name := os.Getenv("DB_NAME")
	if user == "" || pass == "" || host == "" || port == "" || name == "" {
		return "", errors.New("DATABASE_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name), nil
}
