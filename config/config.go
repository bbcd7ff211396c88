// Package config holds the parameters of a MACSio run. A run is configured
// from a YAML file, then overridden from the command line.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/LLNL/MACSio-sub000/pmpio"
)

// Config is passed by value to every dump.
type Config struct {
	// Groups is the number of files written per dump. Zero means one file
	// per rank.
	Groups    int    `yaml:"groups"`
	Direction string `yaml:"direction"`
	Dumps     int    `yaml:"dumps"`
	Parts     int    `yaml:"parts"`     // parts per rank
	PartSize  int    `yaml:"part_size"` // values per part
	Dir       string `yaml:"dir"`
	Base      string `yaml:"base"`
	ReadBack  bool   `yaml:"read_back"`
	Tag       int    `yaml:"tag"` // first message tag; each dump uses a few above it
	Seed      int64  `yaml:"seed"`
	LogLevel  string `yaml:"log_level"`
}

// Default returns a one-dump, one-file run that reads its data back.
func Default() Config {
	return Config{
		Groups:    1,
		Direction: "write",
		Dumps:     1,
		Parts:     1,
		PartSize:  100,
		Dir:       ".",
		Base:      "macsio",
		ReadBack:  true,
		Tag:       1000,
		Seed:      1,
		LogLevel:  "info",
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// GroupCount resolves Groups for a world of size ranks.
func (c Config) GroupCount(size int) int {
	if c.Groups == 0 {
		return size
	}
	return c.Groups
}

// Validate checks the configuration against a world of size ranks.
func (c Config) Validate(size int) error {
	var errs []error
	if g := c.GroupCount(size); g < 1 || g > size {
		errs = append(errs, fmt.Errorf("groups must be in [1, %d], got %d", size, c.Groups))
	}
	if _, err := pmpio.ParseDirection(c.Direction); err != nil {
		errs = append(errs, err)
	}
	if c.Dumps < 1 {
		errs = append(errs, errors.New("dumps must be positive"))
	}
	if c.Parts < 1 {
		errs = append(errs, errors.New("parts must be positive"))
	}
	if c.PartSize < 0 {
		errs = append(errs, errors.New("part_size must not be negative"))
	}
	if c.Base == "" {
		errs = append(errs, errors.New("base must be set"))
	}
	if c.Tag < 0 {
		errs = append(errs, errors.New("tag must not be negative"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level is the parsed LogLevel, Info if it does not parse.
func (c Config) Level() logrus.Level {
	l, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}
