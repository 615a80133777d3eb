package amelisa

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gitter-badger/amelisa/protocol"
	"github.com/gitter-badger/amelisa/utils"
)

// Channel is a bidirectional op transport between one client and the
// server (or two in-process endpoints).
type Channel interface {
	Send(op *Op) error
	OnMessage(fn func(*Op)) utils.Subscription
	OnOpen(fn func()) utils.Subscription
	OnClose(fn func()) utils.Subscription
	OnError(fn func(error)) utils.Subscription
	Open()
	Close() error
}

const channelQueueLimit = 1 << 16
const channelFeedPeriod = time.Second

// RecordChannel carries ops as TLV 'O' records holding their JSON
// encoding. It is both a Channel for the engine and a
// protocol.FeedDrainCloser for a transport pump: Feed yields queued
// outgoing records, Drain accepts incoming ones. Pairing two of them with
// protocol.PumpThenClose makes an in-process pipe; installing one into a
// protocol.Net connection makes a network channel carrying the same
// frames.
type RecordChannel struct {
	log    utils.Logger
	out    *utils.FDQueue[protocol.Records]
	closed atomic.Bool

	message utils.Emitter[*Op]
	opened  utils.Emitter[struct{}]
	closedE utils.Emitter[struct{}]
	errored utils.Emitter[error]
}

var _ Channel = (*RecordChannel)(nil)
var _ protocol.FeedDrainCloser = (*RecordChannel)(nil)

func NewRecordChannel(log utils.Logger) *RecordChannel {
	return &RecordChannel{
		log: log,
		out: utils.NewFDQueue[protocol.Records](channelQueueLimit, channelFeedPeriod),
	}
}

func (c *RecordChannel) Send(op *Op) error {
	if c.closed.Load() {
		return ErrClosed
	}
	raw, err := op.Marshal()
	if err != nil {
		return err
	}
	return c.out.Drain(context.Background(), protocol.Records{protocol.Record('O', raw)})
}

// Feed hands queued outgoing records to the transport pump.
func (c *RecordChannel) Feed(ctx context.Context) (protocol.Records, error) {
	return c.out.Feed(ctx)
}

// Drain decodes incoming records and dispatches them synchronously on the
// pump goroutine; one connection therefore delivers one message at a time.
func (c *RecordChannel) Drain(ctx context.Context, recs protocol.Records) error {
	for _, rec := range recs {
		body, _ := protocol.Take('O', rec)
		if body == nil {
			c.log.Warn("channel: dropping malformed record")
			continue
		}
		op, err := UnmarshalOp(body)
		if err != nil {
			c.log.Warn("channel: dropping undecodable op", "err", err)
			continue
		}
		c.message.Emit(op)
	}
	return nil
}

func (c *RecordChannel) Open() {
	if c.closed.Load() {
		return
	}
	c.opened.Emit(struct{}{})
}

func (c *RecordChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	_ = c.out.Close()
	c.closedE.Emit(struct{}{})
	return nil
}

func (c *RecordChannel) OnMessage(fn func(*Op)) utils.Subscription {
	return c.message.On(fn)
}

func (c *RecordChannel) OnOpen(fn func()) utils.Subscription {
	return c.opened.On(func(struct{}) { fn() })
}

func (c *RecordChannel) OnClose(fn func()) utils.Subscription {
	return c.closedE.On(func(struct{}) { fn() })
}

func (c *RecordChannel) OnError(fn func(error)) utils.Subscription {
	return c.errored.On(fn)
}

func (c *RecordChannel) emitError(err error) {
	c.errored.Emit(err)
}

// NewPipe returns two paired channels: everything sent on one side is
// delivered on the other, through the same record framing real transports
// use. The pumps stop and close both ends once either side closes.
func NewPipe(log utils.Logger) (*RecordChannel, *RecordChannel) {
	a := NewRecordChannel(log)
	b := NewRecordChannel(log)
	go func() { _ = protocol.PumpThenClose(a, b) }()
	go func() { _ = protocol.PumpThenClose(b, a) }()
	return a, b
}
