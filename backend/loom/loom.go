// Package loom implements backend.Backend on top of github.com/openfluke/loom.
//
// Layer specifications are compiled into loom's JSON network description:
//
//	DenseLayer         -> dense
//	ConvolutionLayer   -> conv2d (square kernel, stride and padding)
//	BatchNormalization -> layer_norm
//	LSTM               -> lstm
//	OutputLayer        -> dense (+ softmax)
//	RnnOutputLayer     -> dense with one kernel shared by every time step (+ grid softmax)
//	DropoutLayer       -> elided
//
// SubsamplingLayer and GlobalPoolingLayer have no loom counterpart and are
// rejected with a ConfigurationError. Importing this package registers the
// backend under the name "loom".
package loom

import (
	"sync"

	"github.com/YuminosukeSato/wekadl/backend"
	"github.com/YuminosukeSato/wekadl/core/parallel"
	"github.com/YuminosukeSato/wekadl/layers"
	"github.com/YuminosukeSato/wekadl/pkg/log"
)

// Name is the registry name of the backend.
const Name = "loom"

func init() {
	backend.Register(New())
}

// Backend builds loom networks.
type Backend struct {
	logger  log.Logger
	cpuOnce sync.Once
}

var _ backend.Backend = (*Backend)(nil)

// New creates a backend that logs through the process logger.
func New() *Backend {
	return &Backend{}
}

// WithLogger returns a copy of the backend that logs through l.
func (b *Backend) WithLogger(l log.Logger) *Backend {
	return &Backend{logger: l}
}

func (b *Backend) log() log.Logger {
	l := b.logger
	if l == nil {
		l = log.GetLogger()
	}
	return l.With(log.ComponentKey, "backend."+Name)
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return Name }

// Build compiles the layers and initialises a network with cfg.Seed.
func (b *Backend) Build(cfg backend.NetworkConfig, topo backend.Topology, stack []*layers.Layer) (backend.Network, error) {
	logger := b.log()
	b.cpuOnce.Do(func() {
		cpu := parallel.DetectCPU()
		logger.Info("backend host",
			log.CPUKey, cpu.Brand,
			log.CoresKey, cpu.PhysicalCores,
			"avx2", cpu.AVX2,
			"avx512", cpu.AVX512,
			log.DeviceKey, string(cfg.Device),
		)
	})

	p, err := compile(cfg, topo, stack, logger)
	if err != nil {
		return nil, err
	}
	net, err := newNetwork(p, cfg, topo, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("network built",
		log.NumLayersKey, len(p.Def.Layers),
		log.NumParamsKey, net.NumParams(),
		log.RandomSeedKey, cfg.Seed,
		log.UpdaterKey, string(cfg.Updater.Type),
		log.LearningRateKey, cfg.Updater.LearningRate,
	)
	return net, nil
}

// Load restores a network produced by Network.MarshalBinary.
func (b *Backend) Load(data []byte) (backend.Network, error) {
	return unmarshalNetwork(data, b.log())
}
