package logger

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttQuiesceMillis  = 250
	mqttDefaultPrefix  = "tether/logs"
	mqttDefaultQueue   = 1024
)

var (
	ErrMQTTConnect   = errors.New("mqtt connect failed")
	ErrMQTTPublish   = errors.New("mqtt publish failed")
	ErrMQTTQueueFull = errors.New("mqtt queue full, line dropped")
)

// MQTTConfig forwards program output to an external collector over MQTT.
// Each line is published to <topic_prefix>/<app>/<out|err>. At most
// QueueSize lines (default 1024) wait for the broker; further lines are
// dropped.
type MQTTConfig struct {
	Broker      string `mapstructure:"broker" json:"broker,omitempty" yaml:"broker,omitempty"`
	ClientID    string `mapstructure:"client_id" json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Username    string `mapstructure:"username" json:"username,omitempty" yaml:"username,omitempty"`
	Password    string `mapstructure:"password" json:"-" yaml:"-"`
	TopicPrefix string `mapstructure:"topic_prefix" json:"topic_prefix,omitempty" yaml:"topic_prefix,omitempty"`
	QoS         byte   `mapstructure:"qos" json:"qos,omitempty" yaml:"qos,omitempty"`
	QueueSize   int    `mapstructure:"queue_size" json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
}

// Enabled reports whether a broker is configured.
func (c MQTTConfig) Enabled() bool { return strings.TrimSpace(c.Broker) != "" }

// publisher is the subset of pahomqtt.Client used for log forwarding.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// MQTTPublisher owns one broker connection shared by all apps. Lines are
// queued and published by a single goroutine, so a slow or disconnected
// broker never blocks the writers.
type MQTTPublisher struct {
	client  publisher
	prefix  string
	qos     byte
	timeout time.Duration
	queue   chan mqttMsg
	done    chan struct{}
	drained chan struct{}
	once    sync.Once
	close   func()
}

type mqttMsg struct {
	w       *mqttWriter
	payload []byte
}

func buildMQTTOptions(cfg MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	id := cfg.ClientID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("tether-%s-%d", host, os.Getpid())
	}
	opts.SetClientID(id)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	return opts
}

// DialMQTT connects to the configured broker.
func DialMQTT(cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("%w: invalid qos %d", ErrMQTTConnect, cfg.QoS)
	}
	c := pahomqtt.NewClient(buildMQTTOptions(cfg))
	tok := c.Connect()
	if !tok.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrMQTTConnect, mqttConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMQTTConnect, err)
	}
	p := newMQTTPublisher(c, cfg)
	p.close = func() { c.Disconnect(mqttQuiesceMillis) }
	return p, nil
}

func newMQTTPublisher(c publisher, cfg MQTTConfig) *MQTTPublisher {
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = mqttDefaultPrefix
	}
	p := &MQTTPublisher{
		client:  c,
		prefix:  prefix,
		qos:     cfg.QoS,
		timeout: mqttPublishTimeout,
		queue:   make(chan mqttMsg, valOr(cfg.QueueSize, mqttDefaultQueue)),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go p.drain()
	return p
}

// Topic returns the topic for app's stream.
func (p *MQTTPublisher) Topic(app, stream string) string {
	return p.prefix + "/" + app + "/" + stream
}

// Writer returns a sink publishing each written line as one message.
func (p *MQTTPublisher) Writer(app, stream string) io.Writer {
	return &mqttWriter{p: p, topic: p.Topic(app, stream)}
}

// Close stops publishing and disconnects from the broker. Queued lines get
// one publish attempt without waiting for acknowledgement.
func (p *MQTTPublisher) Close() error {
	if p == nil {
		return nil
	}
	p.once.Do(func() {
		close(p.done)
		<-p.drained
		if p.close != nil {
			p.close()
		}
	})
	return nil
}

func (p *MQTTPublisher) drain() {
	defer close(p.drained)
	for {
		select {
		case m := <-p.queue:
			p.publish(m)
		case <-p.done:
			for {
				select {
				case m := <-p.queue:
					p.client.Publish(m.w.topic, p.qos, false, m.payload)
				default:
					return
				}
			}
		}
	}
}

// publish waits for the broker so that lines keep their order. Failures are
// handed back to the writer and reported by its next Write.
func (p *MQTTPublisher) publish(m mqttMsg) {
	tok := p.client.Publish(m.w.topic, p.qos, false, m.payload)
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			m.w.fail(fmt.Errorf("%w: %s: %w", ErrMQTTPublish, m.w.topic, err))
		}
	case <-timer.C:
		m.w.fail(fmt.Errorf("%w: %s: timeout after %v", ErrMQTTPublish, m.w.topic, p.timeout))
	case <-p.done:
	}
}

type mqttWriter struct {
	p     *MQTTPublisher
	topic string

	mu  sync.Mutex
	err error
}

func (w *mqttWriter) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}

// Write queues one line and never waits for the broker.
func (w *mqttWriter) Write(b []byte) (int, error) {
	select {
	case <-w.p.done:
		return 0, fmt.Errorf("%w: %s: publisher closed", ErrMQTTPublish, w.topic)
	default:
	}
	payload := bytes.TrimSuffix(b, []byte("\n"))
	msg := make([]byte, len(payload))
	copy(msg, payload)
	select {
	case w.p.queue <- mqttMsg{w: w, payload: msg}:
	default:
		return 0, fmt.Errorf("%w: %w: %s", ErrMQTTPublish, ErrMQTTQueueFull, w.topic)
	}
	w.mu.Lock()
	err := w.err
	w.err = nil
	w.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
