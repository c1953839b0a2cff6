package dataset

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand"

	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// Iterator はミニバッチを順に返すイテレータ
//
// 1エポックで全行をちょうど1回ずつ返す。最後のバッチは N mod B 行
// （N が B の倍数なら B 行）になる。
type Iterator interface {
	// HasNext はまだ返していないバッチがあるかを返す
	HasNext() bool
	// Next は次のバッチを返す。HasNext が false のときは ErrIteratorExhausted
	Next() (*DataSet, error)
	// Reset はカーソルを先頭に戻し、エポックを進める
	Reset()
	BatchSize() int
	TotalExamples() int
	// Epoch は Reset の回数
	Epoch() int
}

// Source is an iterator over a fixed data set whose content can be fingerprinted.
type Source interface {
	Iterator
	Fingerprint() uint64
}

// NumBatches returns ceil(total / batchSize).
func NumBatches(it Iterator) int {
	bs := it.BatchSize()
	return (it.TotalExamples() + bs - 1) / bs
}

// ListOption configures a ListIterator.
type ListOption func(*ListIterator)

// WithShuffle はエポックごとに seed+epoch で行順をシャッフルする
func WithShuffle(seed int64) ListOption {
	return func(it *ListIterator) {
		it.shuffle = true
		it.seed = seed
	}
}

// ListIterator はメモリ上の DataSet を固定サイズのバッチに分割する
type ListIterator struct {
	data      *DataSet
	batchSize int
	shuffle   bool
	seed      int64

	order  []int
	cursor int
	epoch  int

	fingerprint    uint64
	hasFingerprint bool
}

// NewListIterator creates an iterator with the given batch size.
func NewListIterator(ds *DataSet, batchSize int, opts ...ListOption) (*ListIterator, error) {
	if ds == nil {
		return nil, errors.NewDataError("NewListIterator", "data set is nil")
	}
	if batchSize <= 0 {
		return nil, errors.NewValidationError("batchSize", "must be positive", batchSize)
	}
	it := &ListIterator{data: ds, batchSize: batchSize}
	for _, opt := range opts {
		opt(it)
	}
	it.order = make([]int, ds.NumExamples())
	it.arrange()
	return it, nil
}

func (it *ListIterator) arrange() {
	for i := range it.order {
		it.order[i] = i
	}
	if !it.shuffle {
		return
	}
	rng := rand.New(rand.NewSource(it.seed + int64(it.epoch)))
	rng.Shuffle(len(it.order), func(i, j int) {
		it.order[i], it.order[j] = it.order[j], it.order[i]
	})
}

// HasNext implements Iterator.
func (it *ListIterator) HasNext() bool {
	return it.cursor*it.batchSize < len(it.order)
}

// Next implements Iterator.
func (it *ListIterator) Next() (*DataSet, error) {
	if !it.HasNext() {
		return nil, errors.Wrapf(errors.ErrIteratorExhausted, "batch %d of %d", it.cursor, NumBatches(it))
	}
	start := it.cursor * it.batchSize
	end := start + it.batchSize
	if end > len(it.order) {
		end = len(it.order)
	}
	it.cursor++
	return it.data.Slice(it.order[start:end]), nil
}

// Reset implements Iterator.
func (it *ListIterator) Reset() {
	it.cursor = 0
	it.epoch++
	it.arrange()
}

// BatchSize implements Iterator.
func (it *ListIterator) BatchSize() int { return it.batchSize }

// TotalExamples implements Iterator.
func (it *ListIterator) TotalExamples() int { return len(it.order) }

// Epoch implements Iterator.
func (it *ListIterator) Epoch() int { return it.epoch }

// Shuffled reports whether batch composition changes between epochs.
func (it *ListIterator) Shuffled() bool { return it.shuffle }

// Data returns the underlying data set.
func (it *ListIterator) Data() *DataSet { return it.data }

// Fingerprint implements Source. It covers the data and every setting that
// changes batch composition.
func (it *ListIterator) Fingerprint() uint64 {
	if !it.hasFingerprint {
		h := fnv.New64a()
		var buf [8]byte
		for _, v := range []uint64{it.data.Fingerprint(), uint64(it.batchSize), uint64(it.seed), boolBit(it.shuffle)} {
			binary.LittleEndian.PutUint64(buf[:], v)
			h.Write(buf[:])
		}
		it.fingerprint = h.Sum64()
		it.hasFingerprint = true
	}
	return it.fingerprint
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
