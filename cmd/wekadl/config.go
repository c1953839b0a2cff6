package main

import (
	"bytes"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/wekadl/classifiers"
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/pkg/log"
)

// RunConfig captures a training run. Flags given on the command line
// override the values read from -config.
type RunConfig struct {
	Classifier    string `yaml:"classifier"`
	Options       string `yaml:"options"`
	Train         string `yaml:"train"`
	Class         string `yaml:"class"`
	Output        string `yaml:"output"`
	Plot          string `yaml:"plot"`
	ExportNetwork string `yaml:"export_network"`
	LogLevel      string `yaml:"log_level"`
}

// DefaultRunConfig returns an MLP run on the last attribute.
func DefaultRunConfig() RunConfig {
	return RunConfig{Classifier: "mlp", Class: "last", LogLevel: "info"}
}

// LoadRunConfig reads a YAML run configuration on top of the defaults.
// Unknown keys are rejected.
func LoadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.NewConfigurationErrorf("config", "parse %s: %v", path, err)
	}
	return cfg, nil
}

// ApplyOverrides copies every non-empty field of o into c.
func (c *RunConfig) ApplyOverrides(o RunConfig) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Classifier, o.Classifier)
	set(&c.Options, o.Options)
	set(&c.Train, o.Train)
	set(&c.Class, o.Class)
	set(&c.Output, o.Output)
	set(&c.Plot, o.Plot)
	set(&c.ExportNetwork, o.ExportNetwork)
	set(&c.LogLevel, o.LogLevel)
}

// Validate verifies the run can start.
func (c RunConfig) Validate() error {
	if c.Train == "" {
		return errors.NewConfigurationError("config", "training file (-t) is required")
	}
	if _, err := classifiers.New(c.Classifier); err != nil {
		return err
	}
	if _, err := log.ToLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// setClass applies a class specification: "first", "last" or a 1-based index.
func setClass(insts *data.Instances, spec string) error {
	n := insts.NumAttributes()
	switch strings.ToLower(spec) {
	case "", "last":
		return insts.SetClassIndex(n - 1)
	case "first":
		return insts.SetClassIndex(0)
	}
	i, err := strconv.Atoi(spec)
	if err != nil || i < 1 || i > n {
		return errors.NewValidationError("c", "must be first, last or an index in [1, "+strconv.Itoa(n)+"]", spec)
	}
	return insts.SetClassIndex(i - 1)
}
