package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/Skryldev/evenodd-lab/domain/model"
	pkgerrors "github.com/Skryldev/evenodd-lab/pkg/errors"
	"github.com/Skryldev/evenodd-lab/pkg/logger"
	"github.com/Skryldev/evenodd-lab/pkg/progress"
	"github.com/Skryldev/evenodd-lab/pkg/retry"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }

func (t *fakeToken) Done() <-chan struct{} { return t.done }

func (t *fakeToken) Error() error { return t.err }

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient embeds paho.Client so only the methods the publisher uses need bodies
type fakeClient struct {
	paho.Client

	mu           sync.Mutex
	connected    bool
	connectErrs  []error
	connects     int
	publishErr   error
	messages     []message
	disconnected bool
}

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if len(c.connectErrs) > 0 {
		err := c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
		return newToken(err)
	}
	c.connected = true
	return newToken(nil)
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message{topic: topic, retained: retained, payload: payload.([]byte)})
	return newToken(c.publishErr)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) sent() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.messages...)
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, Delay: time.Millisecond, Multiplier: 1}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewPublisher_RequiresBroker(t *testing.T) {
	_, err := NewPublisher(Config{}, logger.Nop())
	if _, ok := pkgerrors.As[*pkgerrors.ValidationError](err); !ok {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestConnect_Retries(t *testing.T) {
	client := &fakeClient{connectErrs: []error{errors.New("refused")}}
	p := NewPublisherWithClient(client, Config{Broker: "tcp://broker:1883", Retry: fastRetry()}, logger.Nop())

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if client.connects != 2 {
		t.Errorf("connects = %d, want 2", client.connects)
	}
}

func TestConnect_GivesUp(t *testing.T) {
	refused := errors.New("refused")
	client := &fakeClient{connectErrs: []error{refused, refused, refused}}
	p := NewPublisherWithClient(client, Config{Broker: "tcp://broker:1883", Retry: fastRetry()}, logger.Nop())

	err := p.Connect(context.Background())
	terr, ok := pkgerrors.As[*pkgerrors.TransportError](err)
	if !ok || terr.Endpoint != "tcp://broker:1883" {
		t.Fatalf("err = %v, want transport error", err)
	}
	if !errors.Is(err, refused) {
		t.Error("cause not preserved")
	}
}

func TestReport(t *testing.T) {
	client := &fakeClient{connected: true}
	p := NewPublisherWithClient(client, Config{Broker: "b", Topic: "rig/status"}, logger.Nop())

	p.Report(progress.Update{SessionID: "s1", Stage: progress.StageDescent, Percent: 85})
	waitFor(t, func() bool { return p.Published() == 1 })

	msgs := client.sent()
	if len(msgs) != 1 || msgs[0].topic != "rig/status" || msgs[0].retained {
		t.Fatalf("messages = %+v", msgs)
	}
	var u progress.Update
	if err := json.Unmarshal(msgs[0].payload, &u); err != nil {
		t.Fatal(err)
	}
	if u.SessionID != "s1" || u.Stage != progress.StageDescent || u.Percent != 85 {
		t.Errorf("update = %+v", u)
	}
}

func TestReport_Disconnected(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisherWithClient(client, Config{Broker: "b"}, logger.Nop())

	p.Report(progress.Update{Percent: 1})
	if len(client.sent()) != 0 {
		t.Error("published while disconnected")
	}
	if p.Failed() != 1 {
		t.Errorf("Failed = %d, want 1", p.Failed())
	}
}

func TestReport_PublishError(t *testing.T) {
	client := &fakeClient{connected: true, publishErr: errors.New("not authorized")}
	p := NewPublisherWithClient(client, Config{Broker: "b"}, logger.Nop())

	p.Report(progress.Update{Percent: 1})
	waitFor(t, func() bool { return p.Failed() == 1 })
	if p.Published() != 0 {
		t.Errorf("Published = %d, want 0", p.Published())
	}
}

func TestPublishResult(t *testing.T) {
	client := &fakeClient{connected: true}
	p := NewPublisherWithClient(client, Config{Broker: "b"}, logger.Nop())

	r := model.Result{SessionID: "s1", OptimalOffsetNs: 13_374_919, ConfirmedDropped: -1}
	if err := p.PublishResult(context.Background(), r); err != nil {
		t.Fatalf("PublishResult: %v", err)
	}

	msgs := client.sent()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].topic != "evenodd/calibration/status/result" || !msgs[0].retained {
		t.Errorf("message = %s retained=%v", msgs[0].topic, msgs[0].retained)
	}
	var got model.Result
	if err := json.Unmarshal(msgs[0].payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.OptimalOffsetNs != r.OptimalOffsetNs {
		t.Errorf("OptimalOffsetNs = %d", got.OptimalOffsetNs)
	}
}

func TestClose(t *testing.T) {
	client := &fakeClient{connected: true}
	p := NewPublisherWithClient(client, Config{Broker: "b"}, logger.Nop())

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !client.disconnected {
		t.Error("client not disconnected")
	}
}
