package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitJoinRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		opts []string
	}{
		{"plain", []string{"-numEpochs", "10", "-resume"}},
		{"nested", []string{"-layer", "DenseLayer -nOut 10 -activation relu", "-layer", "OutputLayer"}},
		{"doubly nested", []string{"-zooModel", `LeNet -pretrained "/tmp/my model.gob"`}},
		{"empty value", []string{"-name", ""}},
		{"escapes", []string{"-x", "back\\slash", "-y", "tab\there"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Split(Join(tt.opts))
			require.NoError(t, err)
			assert.Equal(t, tt.opts, got)
		})
	}
}

func TestSplit(t *testing.T) {
	got, err := Split(`  -a 1   -b "x y"  -c`)
	require.NoError(t, err)
	assert.Equal(t, []string{"-a", "1", "-b", "x y", "-c"}, got)

	_, err = Split(`-a "open`)
	assert.Error(t, err)
}

func TestGetOption(t *testing.T) {
	opts := []string{"-a", "1", "-b", "-c", "3"}
	v, ok, err := GetOption("a", &opts)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, []string{"-b", "-c", "3"}, opts)

	_, ok, err = GetOption("z", &opts)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, GetFlag("b", &opts))
	assert.False(t, GetFlag("b", &opts))

	opts = []string{"-c"}
	_, _, err = GetOption("c", &opts)
	assert.Error(t, err)
}

func TestGetOptions_Repeated(t *testing.T) {
	opts := []string{"-layer", "A", "-x", "1", "-layer", "B"}
	vals, err := GetOptions("layer", &opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, vals)
	assert.Equal(t, []string{"-x", "1"}, opts)
	assert.Error(t, CheckAllUsed("test", opts))
	assert.NoError(t, CheckAllUsed("test", []string{"", ""}))
}

func TestSplitSpec(t *testing.T) {
	name, opts, err := SplitSpec(`DenseLayer -nOut 10 -name "hidden one"`)
	require.NoError(t, err)
	assert.Equal(t, "DenseLayer", name)
	assert.Equal(t, []string{"-nOut", "10", "-name", "hidden one"}, opts)

	_, _, err = SplitSpec("   ")
	assert.Error(t, err)
}
