package mqtt

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	timeout = 10 * time.Second
)

// Connect waits for an initial connection of client.
func Connect(client pahomqtt.Client) error {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timeout connecting to mqtt")
	}
	return token.Error()
}

// Publish sends payload to topic and waits for the broker to accept it.
func Publish(client pahomqtt.Client, logger *zap.Logger, topic string, qos byte, retained bool, payload []byte) error {
	token := client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timeout publishing to mqtt")
	}
	if err := token.Error(); err != nil {
		return err
	}

	logger.Debug("Published message",
		zap.String("topic", topic),
		zap.Uint8("qos", qos),
		zap.Bool("retained", retained),
		zap.Int("bytes", len(payload)))
	return nil
}

func Subscribe(client pahomqtt.Client, logger *zap.Logger, topic string, qos byte, cb pahomqtt.MessageHandler) error {
	token := client.Subscribe(topic, qos, cb)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timeout subscribing to mqtt")
	}
	if err := token.Error(); err != nil {
		return err
	}

	logger.Debug("Subscribed", zap.String("topic", topic), zap.Uint8("qos", qos))
	return nil
}

func Unsubscribe(client pahomqtt.Client, logger *zap.Logger, topics ...string) error {
	token := client.Unsubscribe(topics...)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timeout unsubscribing from mqtt")
	}
	if err := token.Error(); err != nil {
		return err
	}

	logger.Debug("Unsubscribed", zap.Strings("topics", topics))
	return nil
}
