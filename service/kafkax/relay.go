package kafkax

import (
	"context"
	"encoding/json"

	"github.com/Shopify/sarama"

	"FamLink/logger"
	"FamLink/module/rtc/event"
	"FamLink/service/bus"
	"FamLink/tools/errs"
	"FamLink/tools/safe"
)

type Conf struct {
	Brokers     []string
	Topic       string
	Origin      string // this gateway's id; also the consumer group, so every gateway sees every envelope
	Compression string // none | gzip | snappy | lz4 | zstd
}

// Relay mirrors bus envelopes across gateways through one Kafka topic.
// Messages are keyed by the envelope's bus topic so all events of a
// conversation or room land on one partition and keep their order.
type Relay struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	local    bus.Bus
	origin   string
	topic    string
	cancel   context.CancelFunc
}

func NewRelay(conf Conf, local bus.Bus) (*Relay, error) {
	if len(conf.Brokers) == 0 {
		return nil, errs.ErrBadRequest.WithDetail("kafka brokers missing")
	}
	if conf.Topic == "" {
		conf.Topic = "famlink.rtc"
	}

	pc := sarama.NewConfig()
	pc.Version = sarama.V2_1_0_0
	pc.Producer.RequiredAcks = sarama.WaitForAll
	pc.Producer.Retry.Max = 5
	pc.Producer.Return.Successes = true
	pc.Producer.Partitioner = sarama.NewHashPartitioner
	pc.Producer.Compression = compressionCodec(conf.Compression)

	producer, err := sarama.NewSyncProducer(conf.Brokers, pc)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapErr(err, "kafka producer")
	}

	cc := sarama.NewConfig()
	cc.Version = sarama.V2_1_0_0
	cc.Consumer.Offsets.Initial = sarama.OffsetNewest
	cc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(conf.Brokers, "famlink-gw-"+conf.Origin, cc)
	if err != nil {
		_ = producer.Close()
		return nil, errs.ErrStoreUnavailable.WrapErr(err, "kafka consumer group")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		producer: producer,
		group:    group,
		local:    local,
		origin:   conf.Origin,
		topic:    conf.Topic,
		cancel:   cancel,
	}

	safe.Go(func() {
		for err := range group.Errors() {
			logger.Warnf("[kafkax] consumer group error: %v", err)
		}
	})
	safe.Go(func() {
		h := &groupHandler{relay: r}
		for ctx.Err() == nil {
			if err := group.Consume(ctx, []string{conf.Topic}, h); err != nil {
				logger.Warnf("[kafkax] consume error: %v", err)
			}
		}
	})
	return r, nil
}

func (r *Relay) Forward(ev event.Envelope) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: r.topic,
		Key:   sarama.StringEncoder(ev.Topic()),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err = r.producer.SendMessage(msg)
	return err
}

func (r *Relay) Close() error {
	r.cancel()
	_ = r.group.Close()
	return r.producer.Close()
}

func compressionCodec(name string) sarama.CompressionCodec {
	switch name {
	case "gzip":
		return sarama.CompressionGZIP
	case "snappy":
		return sarama.CompressionSnappy
	case "lz4":
		return sarama.CompressionLZ4
	case "zstd":
		return sarama.CompressionZSTD
	default:
		return sarama.CompressionNone
	}
}

type groupHandler struct {
	relay *Relay
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var ev event.Envelope
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			logger.Warnf("[kafkax] drop undecodable envelope offset=%d err=%v", msg.Offset, err)
		} else if ev.Origin != "" && ev.Origin != h.relay.origin {
			h.relay.local.Publish(ev)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}
