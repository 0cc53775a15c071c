package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"homgard/internal/homgar"
)

func testGrant() homgar.MQTTCredentials {
	return homgar.MQTTCredentials{
		DeviceName:   "hg-sub-01",
		ProductKey:   "a1b2c3",
		DeviceSecret: "s3cr3t",
		MQTTHostURL:  "broker.example:1883",
	}
}

func TestDeriveCredentials(t *testing.T) {
	creds := DeriveCredentials(testGrant())

	if creds.ClientID != "hg-sub-01|securemode=3,signmethod=hmacsha1|" {
		t.Errorf("clientID = %q", creds.ClientID)
	}
	if creds.Username != "hg-sub-01&a1b2c3" {
		t.Errorf("username = %q", creds.Username)
	}
	if creds.Password != "C3AB794457A18FBE5726B9D178BAB9C2AA633D20" {
		t.Errorf("password = %q", creds.Password)
	}
	if creds.BrokerURL != "tcp://broker.example:1883" {
		t.Errorf("brokerURL = %q", creds.BrokerURL)
	}
}

func TestBrokerURLDefaults(t *testing.T) {
	if got := brokerURL("broker.example"); got != "tcp://broker.example:1883" {
		t.Errorf("bare host: %q", got)
	}
	if got := brokerURL("ssl://broker.example:8883"); got != "ssl://broker.example:8883" {
		t.Errorf("scheme preserved: %q", got)
	}
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := newCommandQueue(2)
	q.push(Command{Seq: 1})
	q.push(Command{Seq: 2})

	dropped, overflow := q.push(Command{Seq: 3})
	if !overflow || dropped.Seq != 1 {
		t.Fatalf("expected oldest (#1) dropped, got overflow=%v seq=%d", overflow, dropped.Seq)
	}
	head, _ := q.peek()
	if head.Seq != 2 {
		t.Errorf("head = #%d, want #2", head.Seq)
	}
	if q.len() != 2 {
		t.Errorf("len = %d, want 2", q.len())
	}
}

func TestOverflowDuringPublishKeepsSuccessor(t *testing.T) {
	q := newCommandQueue(1)
	q.push(Command{Seq: 1})

	// #1 is mid-publish when an overflow evicts it from the queue.
	head, _ := q.peek()
	dropped, overflow := q.push(Command{Seq: 2})
	if !overflow || dropped.Seq != 1 {
		t.Fatalf("expected #1 evicted, got overflow=%v seq=%d", overflow, dropped.Seq)
	}

	// The publish of #1 completes; removing it must not take #2, which
	// was never published, along with it.
	q.dropHead(head.Seq)
	if q.len() != 1 {
		t.Fatalf("len = %d, want 1", q.len())
	}
	if next, _ := q.peek(); next.Seq != 2 {
		t.Errorf("head = #%d, want #2", next.Seq)
	}
}

// fakeBroker hands out in-memory transports and records every publish
// across reconnections.
type fakeBroker struct {
	mu           sync.Mutex
	dials        int
	failConnects int
	current      *fakeTransport
	published    []fakePublish
}

type fakePublish struct {
	topic   string
	payload []byte
}

type fakeTransport struct {
	broker   *fakeBroker
	lost     chan<- error
	mu       sync.Mutex
	handlers map[string]MessageHandler
}

func (b *fakeBroker) dial(_ BrokerCredentials, lost chan<- error) (Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	tr := &fakeTransport{broker: b, lost: lost, handlers: make(map[string]MessageHandler)}
	b.current = tr
	return tr, nil
}

func (b *fakeBroker) cut() {
	b.mu.Lock()
	tr := b.current
	b.mu.Unlock()
	if tr != nil {
		tr.lost <- errors.New("broker went away")
	}
}

func (b *fakeBroker) publishedSeqs(t *testing.T) []string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for _, p := range b.published {
		var wc wireCommand
		if err := json.Unmarshal(p.payload, &wc); err != nil {
			t.Fatalf("bad wire payload: %v", err)
		}
		ids = append(ids, wc.ID)
	}
	return ids
}

func (b *fakeBroker) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func (f *fakeTransport) Connect(context.Context) error {
	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	if f.broker.failConnects > 0 {
		f.broker.failConnects--
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeTransport) Subscribe(topic string, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeTransport) Publish(topic string, payload []byte) error {
	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	f.broker.published = append(f.broker.published, fakePublish{topic: topic, payload: payload})
	return nil
}

func (f *fakeTransport) Disconnect() {}

func (f *fakeTransport) deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for filter, h := range f.handlers {
		if topicMatches(filter, topic) {
			h(topic, payload)
			return true
		}
	}
	return false
}

// topicMatches implements single-level '+' matching, enough for the
// reply filter used here.
func topicMatches(filter, topic string) bool {
	fi, ti := 0, 0
	for fi < len(filter) && ti < len(topic) {
		if filter[fi] == '+' {
			for ti < len(topic) && topic[ti] != '/' {
				ti++
			}
			fi++
			continue
		}
		if filter[fi] != topic[ti] {
			return false
		}
		fi++
		ti++
	}
	return fi == len(filter) && ti == len(topic)
}

func testChannel(broker *fakeBroker, queueSize int) *Channel {
	creds := func(context.Context) (homgar.MQTTCredentials, error) {
		return testGrant(), nil
	}
	return NewChannel(creds, Config{
		QueueSize:    queueSize,
		ReconnectMin: time.Millisecond,
		ReconnectMax: 5 * time.Millisecond,
		Dial:         broker.dial,
	}, nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func zoneCommand(zone int) Command {
	return Command{
		DeviceID:      "100/2",
		HubDeviceName: "hub-dn",
		HubProductKey: "hub-pk",
		MID:           "100",
		Addr:          2,
		Zone:          zone,
		Mode:          1,
		DurationSec:   600,
	}
}

func TestQueuedCommandsFlushInOrderAfterConnect(t *testing.T) {
	broker := &fakeBroker{failConnects: 2}
	ch := testChannel(broker, 0)

	// Submitted while nothing is connected yet.
	ch.Submit(zoneCommand(1))
	ch.Submit(zoneCommand(2))
	ch.Submit(zoneCommand(3))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	waitFor(t, "3 publishes", func() bool { return broker.publishedCount() == 3 })

	ids := broker.publishedSeqs(t)
	for i, want := range []string{"1", "2", "3"} {
		if ids[i] != want {
			t.Errorf("publish %d has id %s, want %s", i, ids[i], want)
		}
	}
	broker.mu.Lock()
	topic := broker.published[0].topic
	broker.mu.Unlock()
	if topic != "/sys/hub-pk/hub-dn/thing/service/property/set" {
		t.Errorf("command topic = %q", topic)
	}
}

func TestTwoOutagesDeliverAllOnceInOrder(t *testing.T) {
	broker := &fakeBroker{}
	ch := testChannel(broker, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	ch.Submit(zoneCommand(1))
	waitFor(t, "first publish", func() bool { return broker.publishedCount() == 1 })

	broker.cut()
	ch.Submit(zoneCommand(2))
	ch.Submit(zoneCommand(3))
	waitFor(t, "backlog after first outage", func() bool { return broker.publishedCount() == 3 })

	broker.cut()
	ch.Submit(zoneCommand(4))
	waitFor(t, "backlog after second outage", func() bool { return broker.publishedCount() == 4 })

	ids := broker.publishedSeqs(t)
	for i, want := range []string{"1", "2", "3", "4"} {
		if ids[i] != want {
			t.Errorf("publish %d has id %s, want %s", i, ids[i], want)
		}
	}
}

func TestOverflowDropsOldestAndWarns(t *testing.T) {
	broker := &fakeBroker{failConnects: 1 << 30} // never connects
	ch := testChannel(broker, 2)

	var dropped []int64
	ch.OnOverflow = func(cmd Command) { dropped = append(dropped, cmd.Seq) }

	ch.Submit(zoneCommand(1))
	ch.Submit(zoneCommand(2))
	ch.Submit(zoneCommand(3))

	if len(dropped) != 1 || dropped[0] != 1 {
		t.Fatalf("expected exactly command #1 dropped, got %v", dropped)
	}
	if ch.Pending() != 2 {
		t.Errorf("pending = %d, want 2", ch.Pending())
	}
}

func TestAckRoutedToHandler(t *testing.T) {
	broker := &fakeBroker{}
	ch := testChannel(broker, 0)

	acks := make(chan Ack, 1)
	ch.OnAck = func(a Ack) { acks <- a }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	waitFor(t, "connection", func() bool { return ch.State() == Connected })

	broker.mu.Lock()
	tr := broker.current
	broker.mu.Unlock()

	topic := "/sys/a1b2c3/hg-sub-01/thing/service/property_set/reply"
	if !tr.deliver(topic, []byte(`{"id":"7","code":200,"message":"success"}`)) {
		t.Fatal("no subscription matched the reply topic")
	}

	select {
	case ack := <-acks:
		if ack.ID != "7" || ack.Code != 200 || ack.Topic != topic {
			t.Errorf("unexpected ack %+v", ack)
		}
	case <-time.After(time.Second):
		t.Fatal("ack never reached the handler")
	}
}

func TestGrantExpiryTriggersRenewal(t *testing.T) {
	broker := &fakeBroker{}
	grant := testGrant()
	grant.Expire = time.Now().Add(30 * time.Millisecond).UnixMilli()

	var grants atomic.Int32
	creds := func(context.Context) (homgar.MQTTCredentials, error) {
		if grants.Add(1) > 1 {
			// Renewed grant without an expiry keeps the test bounded.
			return testGrant(), nil
		}
		return grant, nil
	}
	ch := NewChannel(creds, Config{
		ReconnectMin: time.Millisecond,
		ReconnectMax: 5 * time.Millisecond,
		RenewMargin:  10 * time.Millisecond,
		Dial:         broker.dial,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	waitFor(t, "renewal reconnect", func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return broker.dials >= 2
	})
	if grants.Load() < 2 {
		t.Errorf("expected a fresh grant on renewal, got %d grant fetches", grants.Load())
	}
}

func TestWirePayloadShape(t *testing.T) {
	cmd := zoneCommand(3)
	cmd.Seq = 12

	var wc wireCommand
	if err := json.Unmarshal(cmd.wirePayload(), &wc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wc.Method != "thing.service.property.set" || wc.Version != "1.0" {
		t.Errorf("envelope = %+v", wc)
	}
	want := wireParams{MID: "100", Addr: 2, Port: 3, Mode: 1, Duration: 600, Param: "12"}
	if wc.Params != want {
		t.Errorf("params = %+v, want %+v", wc.Params, want)
	}
	if wc.ID != fmt.Sprintf("%d", cmd.Seq) {
		t.Errorf("id = %q", wc.ID)
	}
}
