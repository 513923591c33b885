package trajlog

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/banshee-data/navpolicy/internal/monitoring"
)

// flushTimeout bounds the final write after the drainer is stopped.
const flushTimeout = 5 * time.Second

// Drainer moves batches from a Queue to a Sink on its own goroutine.
type Drainer struct {
	queue     *Queue
	sink      Sink
	batchSize int

	written atomic.Uint64
	failed  atomic.Uint64
}

func NewDrainer(q *Queue, sink Sink, batchSize int) *Drainer {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Drainer{queue: q, sink: sink, batchSize: batchSize}
}

// Run drains until ctx is cancelled or the queue is closed and empty. Records
// still queued at cancellation are flushed once before returning.
func (d *Drainer) Run(ctx context.Context) error {
	for {
		recs, err := d.queue.Take(ctx, d.batchSize)
		switch {
		case errors.Is(err, ErrQueueClosed):
			return nil
		case err != nil:
			d.flush()
			return err
		}
		d.write(ctx, recs)
	}
}

func (d *Drainer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for d.queue.Len() > 0 {
		recs, err := d.queue.Take(ctx, d.batchSize)
		if err != nil {
			return
		}
		d.write(ctx, recs)
	}
}

func (d *Drainer) write(ctx context.Context, recs []Record) {
	if err := d.sink.WriteRecords(ctx, recs); err != nil {
		d.failed.Add(uint64(len(recs)))
		monitoring.Logf("[TrajLog] failed to write %d record(s): %v", len(recs), err)
		return
	}
	d.written.Add(uint64(len(recs)))
}

// Written returns how many records reached the sink.
func (d *Drainer) Written() uint64 { return d.written.Load() }

// Failed returns how many records were lost to sink errors.
func (d *Drainer) Failed() uint64 { return d.failed.Load() }
