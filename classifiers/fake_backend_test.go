package classifiers

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/wekadl/backend"
	"github.com/YuminosukeSato/wekadl/dataset"
	"github.com/YuminosukeSato/wekadl/layers"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

const (
	fakeBackendName   = "fake"
	frozenBackendName = "fake-frozen"
)

func init() {
	backend.Register(fakeBackend{name: fakeBackendName})
	backend.Register(fakeBackend{name: frozenBackendName, frozen: true})
}

// fakeBackend builds linear networks trained by plain gradient descent on the
// squared error. Frozen networks never change their weights.
type fakeBackend struct {
	name   string
	frozen bool
}

func (b fakeBackend) Name() string { return b.name }

func (b fakeBackend) Build(cfg backend.NetworkConfig, topo backend.Topology, stack []*layers.Layer) (backend.Network, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return &fakeNetwork{
		Topo:   topo,
		W:      make([]float64, topo.InputWidth()*topo.OutputWidth()),
		LR:     cfg.Updater.LearningRate,
		Frozen: b.frozen,
		Layers: len(stack),
	}, nil
}

func (b fakeBackend) Load(raw []byte) (backend.Network, error) {
	var n fakeNetwork
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode((*plainNetwork)(&n)); err != nil {
		return nil, errors.Wrap(err, "fake: load")
	}
	return &n, nil
}

// plainNetwork has fakeNetwork's fields without its methods, so gob
// encodes the fields instead of calling MarshalBinary again.
type plainNetwork fakeNetwork

type fakeNetwork struct {
	Topo   backend.Topology
	W      []float64
	LR     float64
	Frozen bool
	Layers int
	// Fits は Fit の呼び出し回数（全セッション通算）
	Fits int
}

func (n *fakeNetwork) weights() *mat.Dense {
	return mat.NewDense(n.Topo.InputWidth(), n.Topo.OutputWidth(), n.W)
}

func (n *fakeNetwork) Fit(batch *dataset.DataSet) (float64, error) {
	n.Fits++
	out, err := n.Output(batch.Features)
	if err != nil {
		return 0, err
	}
	rows, _ := out.Dims()
	var diff mat.Dense
	diff.Sub(out, batch.Labels)
	loss := 0.0
	for _, v := range diff.RawMatrix().Data {
		loss += v * v
	}
	loss /= float64(rows)
	if !n.Frozen {
		var grad mat.Dense
		grad.Mul(batch.Features.T(), &diff)
		grad.Scale(2*n.LR/float64(rows), &grad)
		w := n.weights()
		w.Sub(w, &grad)
	}
	return loss, nil
}

func (n *fakeNetwork) Output(features *mat.Dense) (*mat.Dense, error) {
	if _, c := features.Dims(); c != n.Topo.InputWidth() {
		return nil, errors.NewDimensionError("fake.Output", n.Topo.InputWidth(), c, 1)
	}
	var out mat.Dense
	out.Mul(features, n.weights())
	return &out, nil
}

func (n *fakeNetwork) NumParams() int { return len(n.W) }

func (n *fakeNetwork) Topology() backend.Topology { return n.Topo }

func (n *fakeNetwork) ReplaceHead(numOutputs int) error {
	n.Topo.NumOutputs = numOutputs
	n.W = make([]float64, n.Topo.InputWidth()*n.Topo.OutputWidth())
	return nil
}

func (n *fakeNetwork) Summary() string {
	return fmt.Sprintf("linear %s (%d layers requested)", n.Topo, n.Layers)
}

func (n *fakeNetwork) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode((*plainNetwork)(n)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
