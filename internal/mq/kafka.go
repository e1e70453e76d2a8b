// Package mq 承载会话活动流的 Kafka 生产端。
// 活动事件按会话 ID 做分区键，同一会话的事件保持投递顺序。
package mq

import (
	"encoding/json"
	"strings"

	"github.com/IBM/sarama"

	"go-chatsync/internal/models"
)

// ActivityProducer 把会话活动事件写入 Kafka，由 summary_consumer 异步消费。
type ActivityProducer struct {
	async sarama.AsyncProducer
	topic string
}

func NewActivityProducer(brokersCSV, topic string) (*ActivityProducer, error) {
	brokers := []string{}
	if brokersCSV != "" {
		brokers = strings.Split(brokersCSV, ",")
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = false
	p, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &ActivityProducer{async: p, topic: topic}, nil
}

// Publish 异步投递一条活动事件，生产端未配置时是无操作。
func (p *ActivityProducer) Publish(evt models.ActivityEvent) error {
	if p == nil || p.async == nil {
		return nil
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	p.async.Input() <- &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(evt.ConversationID),
		Value: sarama.ByteEncoder(data),
	}
	return nil
}

func (p *ActivityProducer) Close() error {
	if p == nil || p.async == nil {
		return nil
	}
	return p.async.Close()
}
