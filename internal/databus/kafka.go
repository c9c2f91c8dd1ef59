package databus

import (
	"encoding/json"
	"strings"

	"github.com/Shopify/sarama"

	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
)

type Event interface {
	Serialize() []byte
	Topic() string
	// Key routes events of one wallet to the same partition.
	Key() string
}

type DataBus struct {
	producer sarama.SyncProducer
}

// Dial connects a synchronous producer to the comma separated broker list.
func Dial(host string) (*DataBus, error) {
	hosts := strings.Split(host, ",")
	conf := sarama.NewConfig()
	conf.Producer.Return.Successes = true
	conf.Producer.RequiredAcks = sarama.WaitForAll
	p, err := sarama.NewSyncProducer(hosts, conf)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	log.Info("Kafka producer initialized...")
	return New(p), nil
}

func New(producer sarama.SyncProducer) *DataBus {
	return &DataBus{producer: producer}
}

func (db *DataBus) PublishRaw(topic, key string, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(raw),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	partition, offset, err := db.producer.SendMessage(msg)
	if err != nil {
		return errors.WrapAndReport(err, "produce message")
	}
	log.Debugf("produce message to %s partition %d offset %d", topic, partition, offset)
	return nil
}

func (db *DataBus) Publish(e Event) error {
	return db.PublishRaw(e.Topic(), e.Key(), e.Serialize())
}

func (db *DataBus) Close() error {
	return errors.Wrap(db.producer.Close(), "close kafka producer")
}

// WalletVerified is published once per accepted ownership proof.
type WalletVerified struct {
	topic      string
	Address    string `json:"address"`
	Subject    string `json:"subject"`
	ChainID    uint64 `json:"chain_id"`
	Nonce      string `json:"nonce"`
	VerifiedAt int64  `json:"verified_at"`
}

func NewWalletVerified(topic string) *WalletVerified {
	return &WalletVerified{topic: topic}
}

func (e *WalletVerified) Topic() string { return e.topic }

func (e *WalletVerified) Key() string { return e.Address }

func (e *WalletVerified) Serialize() []byte {
	bts, err := json.Marshal(e)
	if err != nil {
		log.Errorf("marshal %s event: %v", e.topic, err)
		return nil
	}
	return bts
}
