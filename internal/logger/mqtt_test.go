package logger

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

// pendingToken completes only when done is closed, as paho does for QoS 1
// publishes while the broker is unreachable.
type pendingToken struct{ done chan struct{} }

func (t pendingToken) Wait() bool { <-t.done; return true }
func (t pendingToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t pendingToken) Done() <-chan struct{} { return t.done }
func (t pendingToken) Error() error          { return nil }

type published struct {
	topic   string
	qos     byte
	payload string
}

type fakeBroker struct {
	mu   sync.Mutex
	msgs []published
	err  error
	hang chan struct{}
}

func (f *fakeBroker) Publish(topic string, qos byte, _ bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, qos: qos, payload: string(payload.([]byte))})
	if f.hang != nil {
		return pendingToken{done: f.hang}
	}
	return fakeToken{err: f.err}
}

func (f *fakeBroker) received() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func (f *fakeBroker) waitFor(t *testing.T, n int) []published {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := f.received()
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d messages, got %d", n, len(msgs))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testPublisher(t *testing.T, b *fakeBroker, cfg MQTTConfig) *MQTTPublisher {
	t.Helper()
	p := newMQTTPublisher(b, cfg)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestMQTTWriterPublishesOneMessagePerLine(t *testing.T) {
	b := &fakeBroker{}
	p := testPublisher(t, b, MQTTConfig{TopicPrefix: "site/logs/", QoS: 1})
	w := p.Writer("openssh", "err")
	for _, l := range []string{"first\n", "second\n"} {
		if _, err := w.Write([]byte(l)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	msgs := b.waitFor(t, 2)
	if msgs[0].topic != "site/logs/openssh/err" || msgs[0].qos != 1 || msgs[0].payload != "first" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
	if msgs[1].payload != "second" {
		t.Fatalf("order not preserved: %+v", msgs)
	}
}

func TestMQTTWriterReportsPublishErrorOnNextWrite(t *testing.T) {
	b := &fakeBroker{err: errors.New("not connected")}
	p := testPublisher(t, b, MQTTConfig{})
	if got := p.Topic("a", "out"); got != "tether/logs/a/out" {
		t.Fatalf("default topic = %q", got)
	}
	w := p.Writer("a", "out")
	if _, err := w.Write([]byte("x\n")); err != nil {
		t.Fatalf("first write only queues: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := w.Write([]byte("y\n"))
		if errors.Is(err, ErrMQTTPublish) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("publish failure never reported, last err %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMQTTSinkDoesNotStallOtherSinks(t *testing.T) {
	b := &fakeBroker{hang: make(chan struct{})}
	defer close(b.hang)
	p := newMQTTPublisher(b, MQTTConfig{QoS: 1, QueueSize: 4})

	var in strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&in, "line %d\n", i)
	}
	console := &bytes.Buffer{}
	dropped := 0
	began := time.Now()
	err := CopyLines(strings.NewReader(in.String()), Multi(console, p.Writer("sshd", "err")), NewStamper(""), func(err error) {
		if errors.Is(err, ErrMQTTQueueFull) {
			dropped++
		}
	})
	if err != nil {
		t.Fatalf("CopyLines: %v", err)
	}
	if d := time.Since(began); d > time.Second {
		t.Fatalf("stream blocked on the broker for %v", d)
	}
	if got := strings.Count(console.String(), "\n"); got != 50 {
		t.Fatalf("console got %d lines, want 50", got)
	}
	// one line is in flight and four are queued
	if dropped < 45 {
		t.Fatalf("expected dropped lines to be reported, got %d", dropped)
	}

	began = time.Now()
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if d := time.Since(began); d > time.Second {
		t.Fatalf("Close waited on the broker for %v", d)
	}
	if _, err := p.Writer("sshd", "err").Write([]byte("late\n")); !errors.Is(err, ErrMQTTPublish) {
		t.Fatalf("write after close: %v", err)
	}
}

func TestMQTTPublishTimeoutIsReported(t *testing.T) {
	b := &fakeBroker{hang: make(chan struct{})}
	defer close(b.hang)
	p := testPublisher(t, b, MQTTConfig{QoS: 1})
	p.timeout = 20 * time.Millisecond
	w := p.Writer("sshd", "out")
	if _, err := w.Write([]byte("a\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := w.Write([]byte("b\n"))
		if err != nil && strings.Contains(err.Error(), "timeout") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout never reported, last err %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOutputsFanOutToMQTT(t *testing.T) {
	b := &fakeBroker{}
	p := testPublisher(t, b, MQTTConfig{})
	o, err := Config{Quiet: true, File: FileConfig{Dir: t.TempDir()}}.Outputs("svc", AppLog{}, p)
	if err != nil {
		t.Fatalf("Outputs: %v", err)
	}
	defer func() { _ = o.Close() }()
	_, _ = o.Stderr.Write([]byte("oops\n"))
	if msgs := b.waitFor(t, 1); msgs[0].topic != "tether/logs/svc/err" {
		t.Fatalf("mqtt fan-out missing: %+v", msgs)
	}
}

func TestDialMQTTRejectsBadQoS(t *testing.T) {
	if _, err := DialMQTT(MQTTConfig{Broker: "tcp://127.0.0.1:1", QoS: 3}); !errors.Is(err, ErrMQTTConnect) {
		t.Fatalf("expected ErrMQTTConnect, got %v", err)
	}
}
