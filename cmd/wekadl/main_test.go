package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/options"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRunConfig(t *testing.T) {
	path := writeTemp(t, "run.yaml", `
classifier: rnn
options: "-numEpochs 5"
train: seqs.arff
log_level: debug
`)
	cfg, err := LoadRunConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "rnn", cfg.Classifier)
	assert.Equal(t, "-numEpochs 5", cfg.Options)
	assert.Equal(t, "seqs.arff", cfg.Train)
	assert.Equal(t, "last", cfg.Class, "unset keys keep their default")
	assert.Equal(t, "debug", cfg.LogLevel)

	cfg.ApplyOverrides(RunConfig{Options: "-numEpochs 9", Output: "m.model"})
	assert.Equal(t, "-numEpochs 9", cfg.Options)
	assert.Equal(t, "m.model", cfg.Output)
	assert.Equal(t, "rnn", cfg.Classifier)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRunConfig_Errors(t *testing.T) {
	_, err := LoadRunConfig(writeTemp(t, "bad.yaml", "epochs: 10\n"))
	var ce *errors.ConfigurationError
	assert.True(t, errors.As(err, &ce), "unknown key")

	_, err = LoadRunConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRunConfig_Validate(t *testing.T) {
	cfg := DefaultRunConfig()
	assert.Error(t, cfg.Validate(), "no training file")

	cfg.Train = "x.arff"
	require.NoError(t, cfg.Validate())
	cfg.Classifier = "svm"
	assert.Error(t, cfg.Validate())
	cfg.Classifier = "mlp"
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())
}

func TestSetClass(t *testing.T) {
	insts := data.NewInstances("r", []*data.Attribute{
		data.NewNumericAttribute("a"),
		data.NewNumericAttribute("b"),
		data.NewNominalAttribute("c", "x", "y"),
	}, 0)
	require.NoError(t, setClass(insts, "last"))
	assert.Equal(t, 2, insts.ClassIndex())
	require.NoError(t, setClass(insts, "first"))
	assert.Equal(t, 0, insts.ClassIndex())
	require.NoError(t, setClass(insts, "2"))
	assert.Equal(t, 1, insts.ClassIndex())
	assert.Error(t, setClass(insts, "0"))
	assert.Error(t, setClass(insts, "4"))
	assert.Error(t, setClass(insts, "middle"))
}

func TestRunOptions(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runOptions([]string{"-classifier", "rnn"}, &out))
	line := strings.TrimSpace(out.String())
	assert.Contains(t, line, "-iterator")
	assert.Contains(t, line, "RelationalInstanceIterator")

	parsed, err := options.Split(line)
	require.NoError(t, err)
	assert.Equal(t, "-S", parsed[0])

	out.Reset()
	require.NoError(t, runOptions([]string{"-classifier", "forecaster", "-list"}, &out))
	assert.Contains(t, out.String(), "-seqLength")
	assert.Contains(t, out.String(), "LeNet")

	assert.Error(t, runOptions([]string{"-classifier", "svm"}, &out))
}

func TestRunPredict_RequiresFlags(t *testing.T) {
	var out bytes.Buffer
	err := runPredict([]string{"-m", "model"}, &out)
	var ce *errors.ConfigurationError
	assert.True(t, errors.As(err, &ce))
}
