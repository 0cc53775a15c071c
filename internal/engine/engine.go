// Package engine owns the long-running activities of the daemon: the
// snapshot poll loop and the command channel. Both authenticate through
// one shared session and fail independently of each other.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"homgard/internal/codec"
	"homgard/internal/command"
	"homgard/internal/events"
	"homgard/internal/homgar"
	"homgard/internal/state"
	"homgard/internal/storage"
)

// Options tunes the engine. Zero values select defaults.
type Options struct {
	PollInterval   time.Duration
	MaxBackoff     time.Duration // cap for the poll failure backoff
	StaleMisses    int
	QueueSize      int
	BrokerOverride string // replaces the broker host from the grant
	ShutdownGrace  time.Duration
	Logger         *log.Logger
}

const (
	defaultPollInterval  = 30 * time.Second
	defaultMaxBackoff    = 5 * time.Minute
	defaultShutdownGrace = 10 * time.Second
)

// Engine drives polling, reconciliation and command delivery.
type Engine struct {
	opts       Options
	client     *homgar.Client
	session    *homgar.Session
	reconciler *state.Reconciler
	channel    *command.Channel
	store      storage.Storage
	events     *events.Store
	logger     *log.Logger

	mu   sync.Mutex
	hids []int64
	subs []homgar.SubscribeDevice

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New wires the engine together. store may be nil for a purely
// in-memory run.
func New(session *homgar.Session, client *homgar.Client, registry *codec.Registry, store storage.Storage, evs *events.Store, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}

	e := &Engine{
		opts:    opts,
		client:  client,
		session: session,
		store:   store,
		events:  evs,
		logger:  opts.Logger,
	}

	var readingStore state.ReadingStore
	if store != nil {
		readingStore = store
	}
	e.reconciler = state.NewReconciler(registry, readingStore, opts.StaleMisses, opts.Logger)
	e.reconciler.OnUnknown = e.reportUnknown
	e.reconciler.OnStale = func(v state.DeviceView) {
		evs.AddPayload(events.EventDeviceStale, fmt.Sprintf("%s (%s) missing from %d snapshots", v.ID, v.Name, v.MissedPoll), v)
	}
	session.OnLogin = func(email string) {
		evs.AddPayload(events.EventCloudLogin, email, nil)
	}

	e.channel = command.NewChannel(e.brokerGrant, command.Config{
		QueueSize: opts.QueueSize,
	}, opts.Logger)
	e.channel.OnAck = func(ack command.Ack) {
		evs.AddPayload(events.EventCommandAck, fmt.Sprintf("ack %s code %d", ack.ID, ack.Code), ack)
	}
	e.channel.OnOverflow = func(cmd command.Command) {
		evs.AddPayload(events.EventQueueOverflow, fmt.Sprintf("dropped queued command #%d for %s", cmd.Seq, cmd.DeviceID), cmd)
	}

	return e
}

// Start launches the poll loop and the command channel. It returns
// immediately; Wait reports the first fatal error.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	group, ctx := errgroup.WithContext(ctx)
	e.group = group

	e.restoreReadings()
	e.events.AddPayload(events.EventEngineStart, "", nil)
	if e.logger != nil {
		e.logger.Printf("[Engine] Starting, poll interval %v", e.opts.PollInterval)
	}

	group.Go(func() error { return e.pollLoop(ctx) })
	group.Go(func() error { return e.channel.Run(ctx) })
	return nil
}

// Wait blocks until the engine stops and returns the fatal error that
// stopped it, if any.
func (e *Engine) Wait() error {
	err := e.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop cancels both activities and waits for them within the shutdown
// grace period.
func (e *Engine) Stop() error {
	e.cancel()
	e.events.AddPayload(events.EventEngineStop, "", nil)

	done := make(chan error, 1)
	go func() { done <- e.Wait() }()

	select {
	case err := <-done:
		if e.logger != nil {
			e.logger.Printf("[Engine] Stopped")
		}
		return err
	case <-time.After(e.opts.ShutdownGrace):
		return errors.New("engine shutdown timed out")
	}
}

// Devices returns the current device views.
func (e *Engine) Devices() []state.DeviceView {
	return e.reconciler.Devices()
}

// Device returns one device view.
func (e *Engine) Device(id string) (state.DeviceView, bool) {
	return e.reconciler.Device(id)
}

// CommandState reports the command channel's connection state and queue
// depth.
func (e *Engine) CommandState() (command.State, int) {
	return e.channel.State(), e.channel.Pending()
}

// SubmitCommand queues a work-mode change for a device's zone. The
// device must have been seen in a snapshot so its hub identity is
// known.
func (e *Engine) SubmitCommand(deviceID string, zone, mode, durationSec int) (int64, error) {
	dev, ok := e.reconciler.Meta(deviceID)
	if !ok {
		return 0, fmt.Errorf("unknown device %q", deviceID)
	}
	if dev.HubDeviceName == "" || dev.HubProductKey == "" {
		return 0, fmt.Errorf("device %q has no hub identity yet", deviceID)
	}

	cmd := command.Command{
		DeviceID:      deviceID,
		HubDeviceName: dev.HubDeviceName,
		HubProductKey: dev.HubProductKey,
		MID:           strconv.FormatInt(dev.MID, 10),
		Addr:          dev.Addr,
		Zone:          zone,
		Mode:          mode,
		DurationSec:   durationSec,
	}
	seq := e.channel.Submit(cmd)
	cmd.Seq = seq
	e.events.AddPayload(events.EventCommandSubmitted, fmt.Sprintf("command #%d for %s (zone %d, mode %d)", seq, deviceID, zone, mode), cmd)
	return seq, nil
}

// restoreReadings seeds the reconciler from persistence so a restart
// does not replay unchanged readings as change events.
func (e *Engine) restoreReadings() {
	if e.store == nil {
		return
	}
	restored, err := e.store.LoadReadings()
	if err != nil {
		if e.logger != nil {
			e.logger.Printf("[Engine] Failed to restore readings: %v", err)
		}
		return
	}
	for _, r := range restored {
		e.reconciler.Restore(r.DeviceID, r.Reading, r.UpdatedAt)
	}
	if e.logger != nil && len(restored) > 0 {
		e.logger.Printf("[Engine] Restored %d readings from storage", len(restored))
	}
}

// reportUnknown records an unrecognized model code.
func (e *Engine) reportUnknown(rep state.UnknownReport) {
	e.events.AddPayload(events.EventUnknownDevice, fmt.Sprintf("model %d on %s", rep.ModelCode, rep.DeviceID), rep)
	if e.store != nil {
		if err := e.store.SaveUnknownReport(rep); err != nil && e.logger != nil {
			e.logger.Printf("[Engine] Failed to persist unknown report: %v", err)
		}
	}
}

// pollLoop runs the fixed-cadence snapshot poll. Transport failures
// back off exponentially up to the cap; an authorization failure is
// handled inside pollOnce; repeated login rejections stop the engine.
func (e *Engine) pollLoop(ctx context.Context) error {
	failures := 0
	for {
		err := e.pollOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := e.opts.PollInterval
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, homgar.ErrAuthFatal):
			e.events.AddPayload(events.EventCloudAuthFatal, err.Error(), nil)
			if e.logger != nil {
				e.logger.Printf("[Engine] Fatal: %v", err)
			}
			return err
		default:
			failures++
			delay = pollBackoff(e.opts.PollInterval, failures, e.opts.MaxBackoff)
			if e.logger != nil {
				e.logger.Printf("[Engine] Poll failed: %v (next attempt in %v)", err, delay)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// pollOnce fetches and reconciles one snapshot. A rejected token gets
// exactly one invalidate-and-retry within the cycle.
func (e *Engine) pollOnce(ctx context.Context) error {
	snap, err := e.fetchSnapshot(ctx)
	if homgar.IsUnauthorized(err) {
		if e.logger != nil {
			e.logger.Printf("[Engine] Token rejected mid-poll, reauthenticating")
		}
		e.session.Invalidate()
		snap, err = e.fetchSnapshot(ctx)
	}
	if err != nil {
		return err
	}

	changes := e.reconciler.Apply(*snap)
	for _, ch := range changes {
		e.events.AddPayload(events.EventReadingChanged, fmt.Sprintf("%s (%s)", ch.Name, ch.Kind), ch)
	}
	return nil
}

// fetchSnapshot walks homes, hubs and statuses into one snapshot, and
// refreshes the hub list the broker subscription is built from.
func (e *Engine) fetchSnapshot(ctx context.Context) (*state.Snapshot, error) {
	token, err := e.session.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	homes, err := e.client.Homes(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("list homes: %w", err)
	}

	snap := &state.Snapshot{Taken: time.Now()}
	var hids []int64
	var subs []homgar.SubscribeDevice

	for _, home := range homes {
		hubs, err := e.client.DevicesForHome(ctx, token, home.HID)
		if err != nil {
			return nil, fmt.Errorf("devices for home %d: %w", home.HID, err)
		}
		hids = append(hids, home.HID)

		for _, hub := range hubs {
			subs = append(subs, homgar.SubscribeDevice{
				DeviceName: hub.HubDeviceName,
				MID:        strconv.FormatInt(hub.MID, 10),
				ProductKey: hub.HubProductKey,
			})

			statuses, err := e.client.DeviceStatus(ctx, token, hub.MID)
			if err != nil {
				return nil, fmt.Errorf("status for hub %d: %w", hub.MID, err)
			}
			byID := make(map[string]string, len(statuses))
			for _, st := range statuses {
				byID[st.ID] = st.Value
			}

			devices := append([]homgar.Device{hub.Device}, hub.SubDevices...)
			for _, dev := range devices {
				value, ok := byID[dev.StatusID()]
				if !ok {
					continue
				}
				snap.Records = append(snap.Records, state.RawRecord{
					DeviceID: state.DeviceID(dev.MID, dev.Addr),
					Device:   dev,
					Value:    value,
				})
			}
		}
	}

	e.mu.Lock()
	e.hids = hids
	e.subs = subs
	e.mu.Unlock()

	return snap, nil
}

// brokerGrant obtains MQTT credentials for the command channel. Until
// the first poll has discovered the hubs, it walks the device tree
// itself.
func (e *Engine) brokerGrant(ctx context.Context) (homgar.MQTTCredentials, error) {
	token, err := e.session.EnsureValid(ctx)
	if err != nil {
		return homgar.MQTTCredentials{}, err
	}

	e.mu.Lock()
	hids, subs := e.hids, e.subs
	e.mu.Unlock()

	if len(subs) == 0 {
		hids, subs, err = e.discoverHubs(ctx, token)
		if err != nil {
			return homgar.MQTTCredentials{}, err
		}
	}

	creds, err := e.client.SubscribeStatus(ctx, token, hids, subs)
	if err != nil {
		if homgar.IsUnauthorized(err) {
			e.session.Invalidate()
		}
		return homgar.MQTTCredentials{}, fmt.Errorf("broker grant: %w", err)
	}
	if e.opts.BrokerOverride != "" {
		creds.MQTTHostURL = e.opts.BrokerOverride
	}
	return *creds, nil
}

// discoverHubs walks the device tree without fetching statuses.
func (e *Engine) discoverHubs(ctx context.Context, token string) ([]int64, []homgar.SubscribeDevice, error) {
	homes, err := e.client.Homes(ctx, token)
	if err != nil {
		return nil, nil, fmt.Errorf("list homes: %w", err)
	}
	var hids []int64
	var subs []homgar.SubscribeDevice
	for _, home := range homes {
		hubs, err := e.client.DevicesForHome(ctx, token, home.HID)
		if err != nil {
			return nil, nil, fmt.Errorf("devices for home %d: %w", home.HID, err)
		}
		hids = append(hids, home.HID)
		for _, hub := range hubs {
			subs = append(subs, homgar.SubscribeDevice{
				DeviceName: hub.HubDeviceName,
				MID:        strconv.FormatInt(hub.MID, 10),
				ProductKey: hub.HubProductKey,
			})
		}
	}
	return hids, subs, nil
}

// pollBackoff doubles the interval per consecutive failure, capped.
func pollBackoff(base time.Duration, failures int, max time.Duration) time.Duration {
	d := base
	for i := 1; i < failures && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
