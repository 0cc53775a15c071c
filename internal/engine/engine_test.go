package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"homgard/internal/codec"
	"homgard/internal/events"
	"homgard/internal/homgar"
)

// cloudServer is a minimal fixture for the vendor API: one home, one
// hub with a soil sensor, and a knob to reject a token mid-poll.
type cloudServer struct {
	mu          sync.Mutex
	logins      int
	statusCalls int
	rejectToken string // status endpoint rejects this token with code 1011
	soilValue   string
}

func (cs *cloudServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	ok := func(w http.ResponseWriter, data interface{}) {
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "data": data})
	}

	mux.HandleFunc("/auth/basic/app/login", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.logins++
		n := cs.logins
		cs.mu.Unlock()
		ok(w, map[string]interface{}{"token": tokenFor(n), "tokenExpired": 86400})
	})

	mux.HandleFunc("/app/member/appHome/list", func(w http.ResponseWriter, r *http.Request) {
		ok(w, []map[string]interface{}{{"hid": 7, "homeName": "Home"}})
	})

	mux.HandleFunc("/app/device/getDeviceByHid", func(w http.ResponseWriter, r *http.Request) {
		ok(w, []map[string]interface{}{{
			"mid": 100, "did": 1, "addr": 1, "name": "Hub", "model": "HWG005WRF",
			"modelCode": 289, "deviceName": "hub-dn", "productKey": "hub-pk",
			"subDevices": []map[string]interface{}{{
				"mid": 100, "did": 2, "addr": 2, "name": "Lawn", "model": "HCS026FRF", "modelCode": 317,
			}},
		}})
	})

	mux.HandleFunc("/app/device/getDeviceStatus", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.statusCalls++
		reject := cs.rejectToken
		value := cs.soilValue
		cs.mu.Unlock()
		if reject != "" && r.Header.Get("auth") == reject {
			json.NewEncoder(w).Encode(map[string]interface{}{"code": 1011, "msg": "token expired"})
			return
		}
		ok(w, map[string]interface{}{"subDeviceStatus": []map[string]string{
			{"id": "D01", "value": "701(698/701/703),48(47/48/50),10213(10210/10213/10215)"},
			{"id": "D02", "value": "1,-67;" + value},
		}})
	})

	mux.HandleFunc("/app/device/subscribeStatus", func(w http.ResponseWriter, r *http.Request) {
		ok(w, map[string]interface{}{
			"deviceName": "sub-dn", "productKey": "sub-pk", "deviceSecret": "sec",
			"mqttHostUrl": "broker.example:1883", "expire": time.Now().Add(time.Hour).UnixMilli(),
		})
	})

	return mux
}

func tokenFor(n int) string {
	return "tok-" + string(rune('0'+n))
}

func newTestEngine(t *testing.T, srvURL string) (*Engine, *events.Store) {
	t.Helper()
	client := homgar.NewClient(srvURL, nil)
	session := homgar.NewSession(client, homgar.Credentials{
		Email: "user@example.com", Password: "hunter2", AreaCode: "31",
	}, nil, nil)
	evs := events.NewStore(100)
	e := New(session, client, codec.Builtin(), nil, evs, Options{
		PollInterval: time.Second,
	})
	return e, evs
}

func countEvents(evs *events.Store, typ events.EventType) int {
	n := 0
	for _, ev := range evs.GetAll() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestPollOnceReconcilesSnapshot(t *testing.T) {
	cs := &cloudServer{soilValue: "10#00dc00002a"}
	srv := httptest.NewServer(cs.handler(t))
	defer srv.Close()

	e, evs := newTestEngine(t, srv.URL)
	if err := e.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	devices := e.Devices()
	if len(devices) != 2 {
		t.Fatalf("expected hub and sensor, got %d devices", len(devices))
	}
	soil, ok := e.Device("100/2")
	if !ok {
		t.Fatal("soil sensor missing")
	}
	reading := soil.Reading.(*codec.SoilReading)
	if reading.Moisture == nil || *reading.Moisture != 42 {
		t.Errorf("moisture = %v, want 42", reading.Moisture)
	}
	if got := countEvents(evs, events.EventReadingChanged); got != 2 {
		t.Errorf("expected 2 change events on first poll, got %d", got)
	}

	// Second identical poll must be silent.
	if err := e.pollOnce(context.Background()); err != nil {
		t.Fatalf("second pollOnce: %v", err)
	}
	if got := countEvents(evs, events.EventReadingChanged); got != 2 {
		t.Errorf("identical snapshot emitted events, total now %d", got)
	}
}

func TestForcedLogoutRetriesOnceWithinCycle(t *testing.T) {
	cs := &cloudServer{soilValue: "10#00dc00002a"}
	srv := httptest.NewServer(cs.handler(t))
	defer srv.Close()

	e, _ := newTestEngine(t, srv.URL)

	// First poll establishes tok-1.
	if err := e.pollOnce(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	// The vendor displaces tok-1; the next poll must invalidate,
	// relogin and retry the fetch in the same cycle.
	cs.mu.Lock()
	cs.rejectToken = tokenFor(1)
	cs.mu.Unlock()

	if err := e.pollOnce(context.Background()); err != nil {
		t.Fatalf("poll after forced logout: %v", err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.logins != 2 {
		t.Errorf("expected exactly one relogin, got %d logins total", cs.logins)
	}
}

func TestSubmitCommandRequiresKnownDevice(t *testing.T) {
	cs := &cloudServer{soilValue: "10#00dc00002a"}
	srv := httptest.NewServer(cs.handler(t))
	defer srv.Close()

	e, evs := newTestEngine(t, srv.URL)

	if _, err := e.SubmitCommand("100/2", 1, 1, 600); err == nil {
		t.Error("expected an error before the device is known")
	}

	if err := e.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	seq, err := e.SubmitCommand("100/2", 1, 1, 600)
	if err != nil {
		t.Fatalf("SubmitCommand: %v", err)
	}
	if seq != 1 {
		t.Errorf("seq = %d, want 1", seq)
	}
	if _, pending := e.CommandState(); pending != 1 {
		t.Errorf("pending = %d, want 1", pending)
	}
	if countEvents(evs, events.EventCommandSubmitted) != 1 {
		t.Error("command submission should be logged as an event")
	}
}

func TestBrokerGrantDiscoversHubsBeforeFirstPoll(t *testing.T) {
	cs := &cloudServer{soilValue: "10#00dc00002a"}
	srv := httptest.NewServer(cs.handler(t))
	defer srv.Close()

	e, _ := newTestEngine(t, srv.URL)

	creds, err := e.brokerGrant(context.Background())
	if err != nil {
		t.Fatalf("brokerGrant: %v", err)
	}
	if creds.DeviceName != "sub-dn" || creds.DeviceSecret != "sec" {
		t.Errorf("unexpected grant %+v", creds)
	}
}

func TestPollBackoffCapped(t *testing.T) {
	base := 30 * time.Second
	max := 5 * time.Minute

	if d := pollBackoff(base, 1, max); d != base {
		t.Errorf("first failure backoff = %v, want %v", d, base)
	}
	if d := pollBackoff(base, 3, max); d != 2*time.Minute {
		t.Errorf("third failure backoff = %v, want 2m", d)
	}
	if d := pollBackoff(base, 10, max); d != max {
		t.Errorf("backoff should cap at %v, got %v", max, d)
	}
}
