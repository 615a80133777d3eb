package amelisa

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gitter-badger/amelisa/protocol"
	"github.com/gitter-badger/amelisa/utils"
)

// Bus replicates committed ops between server processes. Delivery is at
// least once, to every subscriber including the publisher itself; the
// Store's sent-op set handles the echo.
type Bus interface {
	Publish(op *Op) error
	Subscribe(fn func(*Op)) utils.Subscription
	Close() error
}

// MemBus fans ops out to every subscriber in the same process. Useful for
// tests and for running several Stores against one shared storage without
// a broker. Delivery is asynchronous, from a dispatch goroutine, exactly
// like a real bus.
type MemBus struct {
	queue  *utils.FDQueue[protocol.Records]
	subs   utils.Emitter[*Op]
	closed atomic.Bool
}

func NewMemBus() *MemBus {
	b := &MemBus{
		queue: utils.NewFDQueue[protocol.Records](1<<16, time.Second),
	}
	go b.dispatch()
	return b
}

func (b *MemBus) dispatch() {
	for {
		recs, err := b.queue.Feed(context.Background())
		if err != nil {
			return
		}
		for _, rec := range recs {
			op, err := UnmarshalOp(rec)
			if err != nil {
				continue
			}
			b.subs.Emit(op)
		}
	}
}

func (b *MemBus) Publish(op *Op) error {
	if b.closed.Load() {
		return ErrClosed
	}
	raw, err := op.Marshal()
	if err != nil {
		return err
	}
	return b.queue.Drain(context.Background(), protocol.Records{raw})
}

func (b *MemBus) Subscribe(fn func(*Op)) utils.Subscription {
	return b.subs.On(fn)
}

func (b *MemBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.queue.Close()
}
