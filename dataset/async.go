package dataset

import (
	"context"

	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// DefaultQueueSize is the prefetch depth used when queueSize <= 0.
const DefaultQueueSize = 4

type prefetched struct {
	ds  *DataSet
	err error
}

// AsyncIterator は別ゴルーチンで元イテレータのバッチを先読みする
//
// 返すバッチとその順序は元イテレータと同じ。元イテレータには
// 先読みゴルーチンだけが触れ、Reset と Close はそのゴルーチンを
// 止めてから元イテレータを操作する。先読みは呼び出し側の context に
// 従わない: 学習の中断はエポック境界でだけ判定され、エポック途中の
// バッチは常に最後まで供給される。
type AsyncIterator struct {
	src       Iterator
	queueSize int

	items  chan prefetched
	cancel context.CancelFunc
	done   chan struct{}
	batch  int
}

// NewAsyncIterator starts prefetching immediately.
func NewAsyncIterator(src Iterator, queueSize int) *AsyncIterator {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	a := &AsyncIterator{src: src, queueSize: queueSize}
	a.start()
	return a
}

func (a *AsyncIterator) start() {
	ctx, cancel := context.WithCancel(context.Background())
	items := make(chan prefetched, a.queueSize)
	done := make(chan struct{})
	a.items, a.cancel, a.done = items, cancel, done

	go func() {
		defer close(done)
		defer close(items)
		for a.src.HasNext() {
			ds, err := a.src.Next()
			select {
			case <-ctx.Done():
				return
			case items <- prefetched{ds: ds, err: err}:
			}
			if err != nil {
				return
			}
		}
	}()
}

func (a *AsyncIterator) stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	// 送信待ちのゴルーチンを解放する
	for range a.items {
	}
	<-a.done
	a.cancel = nil
}

// HasNext implements Iterator.
func (a *AsyncIterator) HasNext() bool {
	return a.batch*a.src.BatchSize() < a.src.TotalExamples()
}

// Next implements Iterator.
func (a *AsyncIterator) Next() (*DataSet, error) {
	if !a.HasNext() {
		return nil, errors.Wrapf(errors.ErrIteratorExhausted, "batch %d", a.batch)
	}
	if a.cancel == nil {
		return nil, errors.New("async iterator is closed")
	}
	item, ok := <-a.items
	if !ok {
		return nil, errors.Wrapf(errors.ErrIteratorExhausted, "prefetch ended at batch %d", a.batch)
	}
	if item.err != nil {
		return nil, item.err
	}
	a.batch++
	return item.ds, nil
}

// Reset implements Iterator.
func (a *AsyncIterator) Reset() {
	a.stop()
	a.src.Reset()
	a.batch = 0
	a.start()
}

// Close stops the prefetch goroutine. The iterator is unusable afterwards.
// Close and Reset are the only calls that stop prefetching.
func (a *AsyncIterator) Close() {
	a.stop()
}

// BatchSize implements Iterator.
func (a *AsyncIterator) BatchSize() int { return a.src.BatchSize() }

// TotalExamples implements Iterator.
func (a *AsyncIterator) TotalExamples() int { return a.src.TotalExamples() }

// Epoch implements Iterator.
func (a *AsyncIterator) Epoch() int { return a.src.Epoch() }
