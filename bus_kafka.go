package amelisa

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/gitter-badger/amelisa/utils"
)

// KafkaBus replicates ops through a kafka topic. Every process consumes
// with its own group id, so each published op reaches every process,
// including the publisher (the echo the Store's loop prevention expects).
type KafkaBus struct {
	log    utils.Logger
	writer *kafka.Writer
	reader *kafka.Reader
	subs   utils.Emitter[*Op]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKafkaBus(log utils.Logger, brokers []string, topic string) *KafkaBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &KafkaBus{
		log: log,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: "amelisa-" + uuid.New().String(),
		}),
		cancel: cancel,
	}

	b.wg.Add(1)
	go b.consume(ctx)
	return b
}

func (b *KafkaBus) consume(ctx context.Context) {
	defer b.wg.Done()
	for {
		msg, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				b.log.Error("kafka bus: read failed", "err", err)
			}
			return
		}
		op, err := UnmarshalOp(msg.Value)
		if err != nil {
			b.log.Warn("kafka bus: dropping undecodable op", "err", err)
			continue
		}
		b.subs.Emit(op)
	}
}

func (b *KafkaBus) Publish(op *Op) error {
	raw, err := op.Marshal()
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(op.CollectionName + "/" + op.DocId),
		Value: raw,
	})
}

func (b *KafkaBus) Subscribe(fn func(*Op)) utils.Subscription {
	return b.subs.On(fn)
}

func (b *KafkaBus) Close() error {
	b.cancel()
	rerr := b.reader.Close()
	werr := b.writer.Close()
	b.wg.Wait()
	if rerr != nil {
		return rerr
	}
	return werr
}
