package mq

import (
	"fmt"

	"lostfound/internal/config"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// InitKafka 初始化 Kafka 生产者
func InitKafka(cfg *config.KafkaConfig) (sarama.SyncProducer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3                    // 重试次数
	kafkaConfig.Producer.Return.Successes = true          // 返回成功消息

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}

	zap.L().Info("Kafka 生产者创建成功", zap.Strings("brokers", cfg.Brokers))
	return producer, nil
}

// SendMessage 发送消息到 Kafka，key 为聚合编号，保证同一报告/账户的事件有序
func SendMessage(producer sarama.SyncProducer, topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := producer.SendMessage(msg)
	return err
}

// CloseKafka 关闭 Kafka 生产者
func CloseKafka(producer sarama.SyncProducer) {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		zap.L().Warn("关闭 Kafka 生产者失败", zap.Error(err))
	}
}
