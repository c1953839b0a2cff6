// Package iterators turns Instances into the encoded data sets and batch
// iterators a network is trained on.
//
// Every instance iterator is configured through the option protocol, e.g.
//
//	ConvolutionInstanceIterator -height 28 -width 28 -numChannels 1 -channelOrder chw -bs 32
//
// Prepare is called once on the training data and fixes the data dependent
// input layout (for example the sequence length). Encode then produces data
// sets with that layout for training and inference alike.
package iterators

import (
	"encoding/gob"
	"sort"
	"strconv"

	"github.com/YuminosukeSato/wekadl/backend"
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/dataset"
	"github.com/YuminosukeSato/wekadl/options"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/pkg/log"
)

// InstanceIterator encodes Instances for one kind of network input.
type InstanceIterator interface {
	options.Handler
	Name() string
	// Config はバッチ化の共通設定
	Config() *Config
	// Prepare は学習データから入力の形を決める
	Prepare(insts *data.Instances) (backend.Topology, error)
	// Encode は Prepare で決めた形でデータセットを作る
	Encode(insts *data.Instances) (*dataset.DataSet, error)
	// Tabular reports whether attribute filters apply to the features.
	Tabular() bool
}

func init() {
	gob.Register(&DefaultInstanceIterator{})
	gob.Register(&ConvolutionInstanceIterator{})
	gob.Register(&ImageInstanceIterator{})
	gob.Register(&RelationalInstanceIterator{})
}

var registry = map[string]func() InstanceIterator{
	"DefaultInstanceIterator":     func() InstanceIterator { return NewDefault() },
	"ConvolutionInstanceIterator": func() InstanceIterator { return NewConvolution() },
	"ImageInstanceIterator":       func() InstanceIterator { return NewImage() },
	"RelationalInstanceIterator":  func() InstanceIterator { return NewRelational() },
}

// Names returns the registered iterator names.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Parse builds an iterator from "<Name> <options...>".
func Parse(spec string) (InstanceIterator, error) {
	name, opts, err := options.SplitSpec(spec)
	if err != nil {
		return nil, err
	}
	ctor, ok := registry[name]
	if !ok {
		return nil, errors.NewConfigurationErrorf("iterators", "unknown iterator %q (known: %v)", name, Names())
	}
	it := ctor()
	if err := it.SetOptions(opts); err != nil {
		return nil, errors.Wrapf(err, "iterator %s", name)
	}
	return it, nil
}

// String renders an iterator as its specification.
func String(it InstanceIterator) string {
	return options.String(it.Name(), it)
}

// Config holds the batching options shared by every iterator.
type Config struct {
	BatchSize int
	Seed      int64
	Shuffle   bool
	CacheMode dataset.CacheMode
	CacheDir  string
	// CacheMemoryMB はメモリキャッシュの上限（0なら既定値）
	CacheMemoryMB int64
	// QueueSize > 0 で別ゴルーチンによる先読みを有効にする
	QueueSize int
}

// DefaultConfig returns batch size 1, seed 1, shuffling on, no cache, no prefetch.
func DefaultConfig() Config {
	return Config{BatchSize: 1, Seed: 1, Shuffle: true, CacheMode: dataset.CacheNone}
}

// Validate checks the option values.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.NewValidationError("bs", "must be positive", c.BatchSize)
	}
	if c.QueueSize < 0 {
		return errors.NewValidationError("queueSize", "must be non-negative", c.QueueSize)
	}
	if c.CacheMemoryMB < 0 {
		return errors.NewValidationError("cacheMemoryMB", "must be non-negative", c.CacheMemoryMB)
	}
	if _, err := dataset.ParseCacheMode(string(c.CacheMode)); err != nil {
		return err
	}
	return nil
}

// Options renders the batching flags.
func (c *Config) Options() []string {
	opts := []string{
		"-bs", strconv.Itoa(c.BatchSize),
		"-seed", strconv.FormatInt(c.Seed, 10),
	}
	if !c.Shuffle {
		opts = append(opts, "-noShuffle")
	}
	opts = append(opts, "-cacheMode", string(c.CacheMode))
	if c.CacheDir != "" {
		opts = append(opts, "-cacheDir", c.CacheDir)
	}
	if c.CacheMemoryMB > 0 {
		opts = append(opts, "-cacheMemoryMB", strconv.FormatInt(c.CacheMemoryMB, 10))
	}
	opts = append(opts, "-queueSize", strconv.Itoa(c.QueueSize))
	return opts
}

// ConsumeOptions parses the batching flags and leaves the rest in opts.
// Absent flags take their default. c is unchanged on error.
func (c *Config) ConsumeOptions(opts *[]string) error {
	next := DefaultConfig()
	if err := next.consume(opts); err != nil {
		return err
	}
	*c = next
	return nil
}

func (c *Config) consume(opts *[]string) error {
	if err := intOption("bs", opts, &c.BatchSize); err != nil {
		return err
	}
	if v, ok, err := options.GetOption("seed", opts); err != nil {
		return err
	} else if ok {
		s, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.NewValidationError("seed", "must be an integer", v)
		}
		c.Seed = s
	}
	c.Shuffle = !options.GetFlag("noShuffle", opts)
	if v, ok, err := options.GetOption("cacheMode", opts); err != nil {
		return err
	} else if ok {
		m, err := dataset.ParseCacheMode(v)
		if err != nil {
			return err
		}
		c.CacheMode = m
	}
	if v, ok, err := options.GetOption("cacheDir", opts); err != nil {
		return err
	} else if ok {
		c.CacheDir = v
	}
	var mb int
	if err := intOption("cacheMemoryMB", opts, &mb); err != nil {
		return err
	}
	c.CacheMemoryMB = int64(mb)
	if err := intOption("queueSize", opts, &c.QueueSize); err != nil {
		return err
	}
	return c.Validate()
}

func intOption(flag string, opts *[]string, dst *int) error {
	v, ok, err := options.GetOption(flag, opts)
	if err != nil || !ok {
		return err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.NewValidationError(flag, "must be an integer", v)
	}
	*dst = n
	return nil
}

// Batches wraps an encoded data set into the iterator the configuration
// asks for: a list iterator, optionally behind a cache and a prefetch
// goroutine. The returned close function stops the prefetch goroutine and
// must be called once training is over.
func (c *Config) Batches(ds *dataset.DataSet) (dataset.Iterator, func(), error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	var opts []dataset.ListOption
	if c.Shuffle {
		opts = append(opts, dataset.WithShuffle(c.Seed))
	}
	list, err := dataset.NewListIterator(ds, c.BatchSize, opts...)
	if err != nil {
		return nil, nil, err
	}

	var it dataset.Iterator = list
	switch c.CacheMode {
	case dataset.CacheMemory:
		if it, err = dataset.NewCachingIterator(list, dataset.NewMemoryStore(c.CacheMemoryMB)); err != nil {
			return nil, nil, err
		}
	case dataset.CacheFilesystem:
		if it, err = dataset.NewCachingIterator(list, dataset.NewFileStore(c.CacheDir)); err != nil {
			return nil, nil, err
		}
	}

	closeFn := func() {}
	if c.QueueSize > 0 {
		async := dataset.NewAsyncIterator(it, c.QueueSize)
		it, closeFn = async, async.Close
	}
	log.GetLogger().Debug("batch iterator ready",
		log.ComponentKey, "iterators",
		log.BatchSizeKey, c.BatchSize,
		log.BatchesKey, dataset.NumBatches(it),
		log.CacheModeKey, string(c.CacheMode),
	)
	return it, closeFn, nil
}

// checkPrepared fails when Encode is called before Prepare.
func checkPrepared(name string, prepared bool) error {
	if !prepared {
		return errors.NewNotFittedError(name, "Encode")
	}
	return nil
}
