package classifiers

import (
	"io"

	"github.com/YuminosukeSato/wekadl/backend"
	"github.com/YuminosukeSato/wekadl/core/model"
	"github.com/YuminosukeSato/wekadl/core/opt"
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/iterators"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/pkg/log"
	"github.com/YuminosukeSato/wekadl/preprocessing"
)

// Snapshot は分類器全体の直列化形式
//
// オプション文字列・学習状態（エポックカウンタ）・ネットワークのバイト列・
// フィット済みフィルタ・学習時ヘッダ・クラスのスケーリング・ZeroR を持つ。
// gob でエンコードする。
type Snapshot struct {
	Model    string
	ID       string
	Options  []string
	State    model.Snapshot
	Network  []byte
	Topology backend.Topology
	Iterator iterators.InstanceIterator
	Filters  *preprocessing.Pipeline
	Header   *data.Instances
	Scaler   *preprocessing.ClassScaler
	ZeroR    *ZeroR
}

// networkBytes serialises the network, or returns nil when there is none.
func (b *base) networkBytes() ([]byte, error) {
	if b.net == nil {
		return nil, nil
	}
	var raw []byte
	err := errors.SafeBackendCall("marshal", -1, -1, func() error {
		var err error
		raw, err = b.net.MarshalBinary()
		return err
	})
	return raw, err
}

// restoreNetwork loads raw through the configured backend.
func (b *base) restoreNetwork(raw []byte) error {
	b.net = nil
	if raw == nil {
		return nil
	}
	be, err := backend.Get(b.settings.Backend)
	if err != nil {
		return err
	}
	net, err := be.Load(raw)
	if err != nil {
		return err
	}
	b.net = net
	return nil
}

// Snapshot captures the classifier. An untrained classifier only carries
// its options.
func (c *classifier) Snapshot() (*Snapshot, error) {
	raw, err := c.networkBytes()
	if err != nil {
		return nil, err
	}
	s := &Snapshot{
		Model:    c.name,
		ID:       c.id,
		Options:  c.Options(),
		State:    c.state.GetState(),
		Network:  raw,
		Topology: c.topo,
		Iterator: c.iterator,
		Filters:  c.filters,
		Header:   c.header,
		ZeroR:    c.zeroR,
	}
	if sc, ok := c.scaler.Get(); ok {
		s.Scaler = &sc
	}
	return s, nil
}

// Restore replaces the whole classifier with a snapshot.
func (c *classifier) Restore(s *Snapshot) error {
	if s == nil {
		return errors.NewValueError(c.name+".Restore", "snapshot is nil")
	}
	if s.Model != c.name {
		return errors.NewDataErrorf(c.name+".Restore", "snapshot holds a %s", s.Model)
	}
	if err := c.SetOptions(s.Options); err != nil {
		return errors.Wrap(err, "restore options")
	}
	if err := c.restoreNetwork(s.Network); err != nil {
		return err
	}
	if s.Iterator != nil {
		c.iterator = s.Iterator
	}
	if s.ID != "" {
		c.id = s.ID
	}
	c.topo = s.Topology
	c.filters = s.Filters
	c.header = s.Header
	c.zeroR = s.ZeroR
	c.scaler = opt.None[preprocessing.ClassScaler]()
	if s.Scaler != nil {
		c.scaler = opt.Some(*s.Scaler)
	}
	c.state.SetState(s.State)
	return nil
}

// Save writes the classifier in gob form.
func (c *classifier) Save(w io.Writer) error {
	s, err := c.Snapshot()
	if err != nil {
		return err
	}
	if err := model.SaveModelToWriter(s, w); err != nil {
		return err
	}
	c.log().Debug("model saved", log.OperationKey, log.OperationSave, "network_bytes", len(s.Network))
	return nil
}

// Load reads a classifier written by Save.
func (c *classifier) Load(r io.Reader) error {
	var s Snapshot
	if err := model.LoadModelFromReader(&s, r); err != nil {
		return err
	}
	if err := c.Restore(&s); err != nil {
		return err
	}
	c.log().Debug("model loaded", log.OperationKey, log.OperationLoad, log.StateKey, s.State.Stage.String())
	return nil
}

// SaveFile writes the classifier to path.
func (c *classifier) SaveFile(path string) error {
	s, err := c.Snapshot()
	if err != nil {
		return err
	}
	return model.SaveModel(s, path)
}

// LoadFile reads a classifier written by SaveFile.
func (c *classifier) LoadFile(path string) error {
	var s Snapshot
	if err := model.LoadModel(&s, path); err != nil {
		return err
	}
	return c.Restore(&s)
}

// NetworkBytes returns the serialised network alone, as a zoo model's
// -pretrained option reads it.
func (c *classifier) NetworkBytes() ([]byte, error) {
	if c.net == nil {
		return nil, errors.NewNotFittedError(c.name, "NetworkBytes")
	}
	return c.networkBytes()
}

// ReadSnapshot decodes a snapshot written by Save.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := model.LoadModelFromReader(&s, r); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads a saved classifier of any type from path.
func LoadFile(path string) (Classifier, error) {
	var s Snapshot
	if err := model.LoadModel(&s, path); err != nil {
		return nil, err
	}
	c, err := New(s.Model)
	if err != nil {
		return nil, err
	}
	if err := c.Restore(&s); err != nil {
		return nil, err
	}
	return c, nil
}
