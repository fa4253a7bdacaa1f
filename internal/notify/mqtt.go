package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"log/slog"

	paho "github.com/eclipse/paho.mqtt.golang"

	"carbonscope/internal/alerts"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	bufferCapacity = 256
)

// MQTTNotifier publishes alert events as JSON to an MQTT topic. Events
// arriving while the broker is unreachable are held in a fixed-capacity
// ring and replayed on reconnect; overflow drops the oldest.
type MQTTNotifier struct {
	client paho.Client
	topic  string
	logger *slog.Logger

	mu     sync.Mutex
	buffer *ringBuffer
}

// NewMQTTNotifier connects to the broker and returns the notifier. A
// connection failure is an error here, at startup, but never afterwards:
// once constructed the notifier only logs delivery problems.
func NewMQTTNotifier(brokerURL, topic, clientID string, logger *slog.Logger) (*MQTTNotifier, error) {
	n := &MQTTNotifier{
		topic:  topic,
		logger: logger,
		buffer: newRingBuffer(bufferCapacity),
	}

	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(n.onConnect)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	n.client = client
	return n, nil
}

// Notify implements alerts.Sink. Never blocks the caller beyond the
// publish timeout and never returns the failure anywhere.
func (n *MQTTNotifier) Notify(ev alerts.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("Failed to marshal alert event", slog.Any("error", err))
		return
	}

	if !n.client.IsConnected() {
		n.mu.Lock()
		n.buffer.push(payload)
		n.mu.Unlock()
		n.logger.Debug("MQTT disconnected, buffered alert event", slog.String("origin", ev.Origin))
		return
	}

	n.publish(payload)
}

func (n *MQTTNotifier) publish(payload []byte) {
	// QoS 1: an alert is worth an at-least-once attempt.
	token := n.client.Publish(n.topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		n.logger.Warn("MQTT publish timeout, dropping alert event")
		return
	}
	if err := token.Error(); err != nil {
		n.logger.Warn("MQTT publish failed, dropping alert event", slog.Any("error", err))
	}
}

// onConnect replays whatever accumulated while disconnected.
func (n *MQTTNotifier) onConnect(paho.Client) {
	n.mu.Lock()
	pending := n.buffer.drainAll()
	n.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	n.logger.Info("MQTT reconnected, replaying buffered alert events", slog.Int("count", len(pending)))
	for _, payload := range pending {
		n.publish(payload)
	}
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() error {
	n.client.Disconnect(1000)
	return nil
}

// ringBuffer is a fixed-capacity FIFO holding serialized events while the
// broker is unreachable. Not safe for concurrent use; the notifier
// synchronizes access.
type ringBuffer struct {
	buf      [][]byte
	capacity int
	head     int
	count    int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		buf:      make([][]byte, capacity),
		capacity: capacity,
	}
}

func (r *ringBuffer) push(payload []byte) {
	r.buf[r.head] = payload
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

func (r *ringBuffer) drainAll() [][]byte {
	if r.count == 0 {
		return nil
	}

	result := make([][]byte, r.count)
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		result[i] = r.buf[(start+i)%r.capacity]
	}

	r.count = 0
	r.head = 0
	return result
}
