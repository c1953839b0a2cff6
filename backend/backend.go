// Package backend defines the boundary between the classifiers and the neural
// network library that does the actual mathematics.
//
// Classifiers never talk to a library directly. They hand a NetworkConfig, a
// Topology and a list of layer specifications to a Backend, and get back a
// Network that can fit one mini-batch at a time and produce outputs.
package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/wekadl/convert"
	"github.com/YuminosukeSato/wekadl/core/opt"
	"github.com/YuminosukeSato/wekadl/dataset"
	"github.com/YuminosukeSato/wekadl/layers"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// UpdaterType は重み更新アルゴリズムの種類
type UpdaterType string

const (
	UpdaterSGD   UpdaterType = "sgd"
	UpdaterAdamW UpdaterType = "adamw"
)

// ParseUpdaterType parses an updater name case-insensitively.
func ParseUpdaterType(s string) (UpdaterType, error) {
	switch strings.ToLower(s) {
	case string(UpdaterSGD):
		return UpdaterSGD, nil
	case string(UpdaterAdamW), "adam":
		return UpdaterAdamW, nil
	}
	return "", errors.NewValidationError("updater", "must be sgd or adamw", s)
}

// Updater configures how gradients are applied.
type Updater struct {
	Type         UpdaterType
	LearningRate float64
}

// Device は実行デバイス
type Device string

const (
	DeviceCPU Device = "cpu"
	DeviceGPU Device = "gpu"
)

// ParseDevice parses a device name case-insensitively.
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(s) {
	case string(DeviceCPU):
		return DeviceCPU, nil
	case string(DeviceGPU):
		return DeviceGPU, nil
	}
	return "", errors.NewValidationError("device", "must be cpu or gpu", s)
}

// NetworkConfig holds the network-wide hyperparameters. Layer-level values
// (per-layer l1/l2/dropout) take precedence over the values here.
type NetworkConfig struct {
	Seed         int64
	Updater      Updater
	L1           float64
	L2           float64
	GradientClip opt.Optional[float64]
	Dropout      opt.Optional[float64]
	Device       Device
}

// DefaultNetworkConfig returns the configuration used when nothing is set.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		Seed:    1,
		Updater: Updater{Type: UpdaterSGD, LearningRate: 0.01},
		Device:  DeviceCPU,
	}
}

// Validate checks value ranges.
func (c NetworkConfig) Validate() error {
	if c.Updater.LearningRate <= 0 {
		return errors.NewValidationError("lr", "must be positive", c.Updater.LearningRate)
	}
	if _, err := ParseUpdaterType(string(c.Updater.Type)); err != nil {
		return err
	}
	if c.L1 < 0 {
		return errors.NewValidationError("l1", "must be non-negative", c.L1)
	}
	if c.L2 < 0 {
		return errors.NewValidationError("l2", "must be non-negative", c.L2)
	}
	if v, ok := c.GradientClip.Get(); ok && v <= 0 {
		return errors.NewValidationError("gradientClip", "must be positive", v)
	}
	if v, ok := c.Dropout.Get(); ok && (v < 0 || v >= 1) {
		return errors.NewValidationError("dropout", "must be in [0, 1)", v)
	}
	if c.Device != "" {
		if _, err := ParseDevice(string(c.Device)); err != nil {
			return err
		}
	}
	return nil
}

// Topology describes the shape of the encoded data the network consumes.
// Exactly one of the flat, image and sequence forms applies.
type Topology struct {
	NumInputs   int
	Image       *convert.ImageShape
	SeqLength   int
	SeqFeatures int
	NumOutputs  int
}

// IsImage reports whether the input is an image.
func (t Topology) IsImage() bool { return t.Image != nil }

// IsSequence reports whether the input is a padded sequence.
func (t Topology) IsSequence() bool { return t.SeqLength > 0 }

// Validate checks that the topology is complete and consistent.
func (t Topology) Validate() error {
	if t.NumOutputs <= 0 {
		return errors.NewConfigurationErrorf("topology", "number of outputs must be positive, got %d", t.NumOutputs)
	}
	switch {
	case t.IsImage() && t.IsSequence():
		return errors.NewConfigurationError("topology", "input cannot be both an image and a sequence")
	case t.IsImage():
		if err := t.Image.Validate(); err != nil {
			return err
		}
		if t.NumInputs != 0 && t.NumInputs != t.Image.Size() {
			return errors.NewDimensionError("Topology.Validate", t.Image.Size(), t.NumInputs, 1)
		}
	case t.IsSequence():
		if t.SeqFeatures <= 0 {
			return errors.NewConfigurationError("topology", "sequence input needs a positive feature count")
		}
	default:
		if t.NumInputs <= 0 {
			return errors.NewConfigurationErrorf("topology", "number of inputs must be positive, got %d", t.NumInputs)
		}
	}
	return nil
}

// InputWidth returns the length of one flattened input row.
func (t Topology) InputWidth() int {
	switch {
	case t.IsImage():
		return t.Image.Size()
	case t.IsSequence():
		return t.SeqLength * t.SeqFeatures
	}
	return t.NumInputs
}

// OutputWidth returns the length of one flattened output row.
func (t Topology) OutputWidth() int {
	if t.IsSequence() {
		return t.SeqLength * t.NumOutputs
	}
	return t.NumOutputs
}

func (t Topology) String() string {
	switch {
	case t.IsImage():
		return fmt.Sprintf("image %s -> %d", t.Image, t.NumOutputs)
	case t.IsSequence():
		return fmt.Sprintf("sequence %dx%d -> %d", t.SeqLength, t.SeqFeatures, t.NumOutputs)
	}
	return fmt.Sprintf("%d -> %d", t.NumInputs, t.NumOutputs)
}

// Network is a built, trainable network.
type Network interface {
	// Fit runs one pass over the batch and returns the batch score (loss).
	Fit(batch *dataset.DataSet) (float64, error)
	// Output returns the network activations for every row of features.
	Output(features *mat.Dense) (*mat.Dense, error)
	// NumParams returns the number of trainable parameters.
	NumParams() int
	// Topology returns the shape the network was built for.
	Topology() Topology
	// ReplaceHead swaps the output layer for a freshly initialised one
	// with numOutputs units, keeping every other weight.
	ReplaceHead(numOutputs int) error
	// Summary returns a human readable description, one line per layer.
	Summary() string
	MarshalBinary() ([]byte, error)
}

// Backend builds and restores networks.
type Backend interface {
	Name() string
	Build(cfg NetworkConfig, topo Topology, stack []*layers.Layer) (Network, error)
	Load(b []byte) (Network, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Backend{}
)

// DefaultName is the backend used when none is configured.
const DefaultName = "loom"

// Register makes a backend available by name. Registering the same name twice
// replaces the earlier backend.
func Register(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Name()] = b
}

// Get returns a registered backend.
func Get(name string) (Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[name]
	if !ok {
		return nil, errors.NewConfigurationErrorf("backend", "unknown backend %q (registered: %v)", name, namesLocked())
	}
	return b, nil
}

// Names returns the registered backend names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
