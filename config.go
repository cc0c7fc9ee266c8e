package shadowheap

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v2"
)

// Config carries the collector's tuning constants. The zero value of any
// field means "use the default", so a partial configuration (for example
// one loaded from a file) composes with the built-in defaults.
type Config struct {
	// JournalBufferSize is the per-buffer record capacity of each mutator
	// journal, rounded up to a power of two.
	JournalBufferSize int

	// BufferRun and JournalRun bound one drain: up to JournalRun passes
	// over all journals, reading up to BufferRun records per journal per
	// pass before the driver moves on.
	BufferRun  int
	JournalRun int

	// MinSleep and MaxSleep bound the driver's adaptive sleep between
	// cycles: empty drains back off exponentially toward MaxSleep, a
	// nonempty drain resets to MinSleep.
	MinSleep time.Duration
	MaxSleep time.Duration

	// MajorCollectThreshold is the young object population that triggers
	// a full cycle instead of a young cycle.
	MajorCollectThreshold int

	// Workers is the number of goroutines used for parallel mark and
	// sweep phases. Defaults to the number of CPUs.
	Workers int

	// MaxDeferRetries bounds how many times a mark phase retries objects
	// whose Trace returned Defer. Objects still deferring when the budget
	// runs out are treated as traced: kept, children unscanned.
	MaxDeferRetries int
}

// UnmarshalYAML decodes the tuning file form of a Config. Sleep bounds are
// written as duration strings ("1ms", "2s").
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		JournalBufferSize     int    `yaml:"journal-buffer-size"`
		BufferRun             int    `yaml:"buffer-run"`
		JournalRun            int    `yaml:"journal-run"`
		MinSleep              string `yaml:"min-sleep"`
		MaxSleep              string `yaml:"max-sleep"`
		MajorCollectThreshold int    `yaml:"major-collect-threshold"`
		Workers               int    `yaml:"workers"`
		MaxDeferRetries       int    `yaml:"max-defer-retries"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	c.JournalBufferSize = raw.JournalBufferSize
	c.BufferRun = raw.BufferRun
	c.JournalRun = raw.JournalRun
	c.MajorCollectThreshold = raw.MajorCollectThreshold
	c.Workers = raw.Workers
	c.MaxDeferRetries = raw.MaxDeferRetries

	for _, d := range []struct {
		text string
		dst  *time.Duration
	}{
		{raw.MinSleep, &c.MinSleep},
		{raw.MaxSleep, &c.MaxSleep},
	} {
		if d.text == "" {
			continue
		}
		dur, err := time.ParseDuration(d.text)
		if err != nil {
			return fmt.Errorf("bad sleep duration %q: %w", d.text, err)
		}
		*d.dst = dur
	}
	return nil
}

// DefaultConfig returns the fully populated default configuration.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.JournalBufferSize == 0 {
		c.JournalBufferSize = 32768
	}
	if c.BufferRun == 0 {
		c.BufferRun = 1024
	}
	if c.JournalRun == 0 {
		c.JournalRun = 32
	}
	if c.MinSleep == 0 {
		c.MinSleep = time.Millisecond
	}
	if c.MaxSleep == 0 {
		c.MaxSleep = 100 * time.Millisecond
	}
	if c.MajorCollectThreshold == 0 {
		c.MajorCollectThreshold = 1 << 20
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.MaxDeferRetries == 0 {
		c.MaxDeferRetries = 8
	}
}

func (c *Config) validate() error {
	if c.JournalBufferSize < 0 {
		return fmt.Errorf("config: journal-buffer-size %d is negative", c.JournalBufferSize)
	}
	if c.BufferRun < 0 || c.JournalRun < 0 {
		return fmt.Errorf("config: drain limits must not be negative")
	}
	if c.MinSleep < 0 || c.MaxSleep < 0 || c.MaxSleep < c.MinSleep && c.MaxSleep != 0 {
		return fmt.Errorf("config: sleep bounds %v..%v are inverted", c.MinSleep, c.MaxSleep)
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers %d is negative", c.Workers)
	}
	if c.MajorCollectThreshold < 0 || c.MaxDeferRetries < 0 {
		return fmt.Errorf("config: thresholds must not be negative")
	}
	return nil
}

// LoadConfig reads a YAML tuning file. Unset fields take their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, nil
}
