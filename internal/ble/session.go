package ble

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/primiano/light-dimmer-ble/internal/ble/protocol"
)

// State is the lifecycle phase of a Session.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateDiscoveringServices
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringServices:
		return "discovering-services"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReadPolicy controls how often decoded channel values reach the listener.
type ReadPolicy int

const (
	// ReadOnce delivers only the first valid snapshot of the session's
	// lifetime, used to initialise a UI.
	ReadOnce ReadPolicy = iota
	// ReadEvery delivers every valid notification.
	ReadEvery
)

// ParseReadPolicy accepts "once" or "every".
func ParseReadPolicy(s string) (ReadPolicy, error) {
	switch s {
	case "once":
		return ReadOnce, nil
	case "every":
		return ReadEvery, nil
	default:
		return ReadOnce, errors.Errorf("read policy must be \"once\" or \"every\", got %q", s)
	}
}

// Options configures a Session.
type Options struct {
	ServiceUUID        string
	CharacteristicUUID string
	QueueSize          int           // max queued frames; oldest waiting frame is dropped
	ConnectTimeout     time.Duration // bound on connect plus discovery, 0 disables
	RestartBackoffMax  time.Duration // cap for repeated restart delays, 0 restarts immediately
	ReadValues         ReadPolicy
	Logger             logrus.FieldLogger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:        ServiceUUID,
		CharacteristicUUID: CharacteristicUUID,
		QueueSize:          64,
		ConnectTimeout:     10 * time.Second,
		RestartBackoffMax:  30 * time.Second,
		ReadValues:         ReadOnce,
	}
}

// Session owns the single connection to the dimmer and its command queue.
// All methods are safe for concurrent use and none of them blocks on the
// radio: requests are handed to the Adapter and their results come back
// as events.
type Session struct {
	adapter  Adapter
	listener Listener
	opts     Options
	log      logrus.FieldLogger

	mu       sync.Mutex
	inbox    []Event
	draining bool
	enabled  bool

	state  State
	device Device
	conn   Connection
	char   Characteristic
	queue  *commandQueue

	failures     int
	timer        *time.Timer
	timerSeq     uint64
	restartTimer *time.Timer
	restartSeq   uint64
	connectSeq   uint64

	values    []int
	delivered bool

	idle       chan struct{}
	idleClosed bool
}

// NewSession creates a session driving adapter and reporting to listener.
// It registers itself as the adapter's event handler.
func NewSession(adapter Adapter, listener Listener, opts Options) *Session {
	if listener == nil {
		listener = NopListener{}
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = ServiceUUID
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = CharacteristicUUID
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	idle := make(chan struct{})
	close(idle)
	s := &Session{
		adapter:    adapter,
		listener:   listener,
		opts:       opts,
		log:        log.WithField("component", "ble"),
		queue:      newCommandQueue(opts.QueueSize),
		idle:       idle,
		idleClosed: true,
	}
	adapter.SetEventHandler(s.handleEvent)
	return s
}

// Start powers on the adapter and begins scanning for the dimmer. Calling it
// while a session is already scanning or connected has no effect.
func (s *Session) Start() error {
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	if !enabled {
		if err := s.adapter.Enable(); err != nil {
			return errors.Wrap(ErrLink, "enable adapter: "+err.Error())
		}
		s.mu.Lock()
		s.enabled = true
		s.mu.Unlock()
	}
	s.dispatch(Event{Kind: eventStart})
	return nil
}

// SetBrightness queues a brightness command for channel. Commands issued
// before the session is ready are sent, oldest first, once it is.
func (s *Session) SetBrightness(channel, brightness int) error {
	f, err := protocol.EncodeBrightness(channel, brightness)
	if err != nil {
		return errors.Wrap(err, "ble: set brightness")
	}
	s.dispatch(Event{Kind: eventEnqueue, frame: f})
	return nil
}

// SetSmoothing queues a transition smoothing command for channel.
func (s *Session) SetSmoothing(channel, smoothing int) error {
	f, err := protocol.EncodeSmoothing(channel, smoothing)
	if err != nil {
		return errors.Wrap(err, "ble: set smoothing")
	}
	s.dispatch(Event{Kind: eventEnqueue, frame: f})
	return nil
}

// Close stops scanning, disconnects and drops queued commands. The session
// returns to idle and may be started again.
func (s *Session) Close() error {
	s.dispatch(Event{Kind: eventClose})
	return nil
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// QueueLen returns the number of frames queued, including one in flight.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// DeviceName returns the name of the connected dimmer, or "" when not ready.
func (s *Session) DeviceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return ""
	}
	return displayName(s.device)
}

// Values returns the last channel snapshot decoded from the dimmer.
func (s *Session) Values() ([]int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		return nil, false
	}
	return append([]int(nil), s.values...), true
}

// Idle returns a channel that is closed while the command queue is empty.
func (s *Session) Idle() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

// handleEvent is the adapter's event sink.
func (s *Session) handleEvent(ev Event) {
	if ev.Kind < EventDeviceFound || ev.Kind > EventDisconnected {
		s.log.WithField("kind", ev.Kind).Warn("ignoring unknown adapter event")
		return
	}
	s.dispatch(ev)
}

// dispatch queues ev and, unless another caller is already draining, runs
// the state machine until the inbox is empty. Transitions run under mu;
// the adapter requests and listener calls they produce run after it is
// released, so synchronous adapter callbacks only ever append to the inbox.
func (s *Session) dispatch(ev Event) {
	s.mu.Lock()
	s.inbox = append(s.inbox, ev)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.inbox) > 0 {
		next := s.inbox[0]
		s.inbox = s.inbox[1:]
		effects := s.step(next)
		s.mu.Unlock()
		for _, fx := range effects {
			fx()
		}
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

// step applies one event. Caller must hold mu.
func (s *Session) step(ev Event) []func() {
	s.log.WithFields(logrus.Fields{"event": ev.Kind, "state": s.state}).Debug("event")

	switch ev.Kind {
	case eventStart:
		if s.state != StateIdle && s.state != StateDisconnected {
			s.log.WithField("state", s.state).Debug("start ignored, session already running")
			return nil
		}
		return s.beginScan()
	case eventRestart:
		if s.state != StateDisconnected || ev.attempt != s.restartSeq {
			return nil
		}
		return s.beginScan()
	case eventClose:
		return s.close()
	case eventEnqueue:
		return s.enqueue(ev.frame)
	case EventDeviceFound:
		return s.onDeviceFound(ev.Device)
	case EventScanFailed:
		if s.state != StateScanning {
			return nil
		}
		return s.fail(errors.Wrap(ErrLink, "scan: "+errString(ev.Err)))
	case EventConnectionStateChanged:
		return s.onConnectionStateChanged(ev)
	case EventServicesDiscovered:
		return s.onServicesDiscovered(ev)
	case EventWriteComplete:
		return s.onWriteComplete(ev)
	case EventWriteFailed:
		if s.state != StateReady || ev.Conn != s.conn {
			return nil
		}
		return s.fail(errors.Wrap(ErrLink, "write: "+errString(ev.Err)))
	case EventNotification:
		return s.onNotification(ev)
	case EventDisconnected:
		if s.state == StateIdle || ev.Conn == nil || ev.Conn != s.conn {
			return nil
		}
		return s.fail(errors.Wrap(ErrLink, "disconnected by peripheral"))
	case eventTimeout:
		if ev.attempt != s.timerSeq || (s.state != StateConnecting && s.state != StateDiscoveringServices) {
			return nil
		}
		return s.fail(errors.Wrapf(ErrLink, "timed out after %s while %s", s.opts.ConnectTimeout, s.state))
	case eventDriverError:
		if s.state == StateIdle || s.state == StateDisconnected || (ev.Conn != nil && ev.Conn != s.conn) {
			return nil
		}
		return s.fail(errors.Wrap(ErrLink, errString(ev.Err)))
	}
	return nil
}

func (s *Session) beginScan() []func() {
	s.state = StateScanning
	s.stopTimer()
	s.log.WithField("service", s.opts.ServiceUUID).Info("scanning for dimmer")
	uuid := s.opts.ServiceUUID
	return []func(){
		s.request(nil, func() error { return s.adapter.StartScan(uuid) }),
		func() { s.listener.OnStateChange("Starting scan") },
	}
}

func (s *Session) onDeviceFound(dev Device) []func() {
	if s.state != StateScanning {
		return nil
	}
	if !dev.Usable() {
		fx := []func(){func() { s.listener.OnStateChange("Got device <none>") }}
		return append(fx, s.fail(errors.Wrap(ErrLink, "scan result without a device address"))...)
	}

	s.state = StateConnecting
	s.device = dev
	s.connectSeq++
	seq := s.connectSeq
	s.armTimer()
	s.log.WithFields(logrus.Fields{"name": dev.Name, "mac": dev.MAC, "rssi": dev.RSSI}).Info("found dimmer, connecting")
	return []func(){
		s.stopScan,
		func() { s.listener.OnStateChange("Got device " + displayName(dev)) },
		s.request(nil, func() error { return s.adapter.Connect(dev, seq) }),
	}
}

func (s *Session) onConnectionStateChanged(ev Event) []func() {
	if s.state != StateConnecting || ev.Attempt != s.connectSeq {
		return s.dropConnectResult(ev)
	}

	msg := fmt.Sprintf("Connection state: success=%t connected=%t", ev.Success, ev.Connected)
	fx := []func(){func() { s.listener.OnStateChange(msg) }}
	if !ev.Success || !ev.Connected || ev.Conn == nil {
		reason := "connect failed"
		if ev.Err != nil {
			reason += ": " + ev.Err.Error()
		}
		return append(fx, s.fail(errors.Wrap(ErrLink, reason))...)
	}

	s.conn = ev.Conn
	s.state = StateDiscoveringServices
	s.armTimer()
	conn := ev.Conn
	return append(fx, s.request(conn, conn.DiscoverServices))
}

// dropConnectResult handles a connect result whose attempt was abandoned.
// A stale link is closed only while no attempt is in progress: platforms
// that share one link per peripheral would otherwise lose the live one.
// Caller must hold mu.
func (s *Session) dropConnectResult(ev Event) []func() {
	s.log.WithFields(logrus.Fields{
		"attempt": ev.Attempt,
		"current": s.connectSeq,
		"state":   s.state,
	}).Debug("ignoring stale connect result")
	if ev.Conn == nil || !ev.Connected || ev.Conn == s.conn {
		return nil
	}
	switch s.state {
	case StateConnecting, StateDiscoveringServices, StateReady:
		return nil
	}
	conn := ev.Conn
	return []func(){func() { s.disconnect(conn) }}
}

func (s *Session) onServicesDiscovered(ev Event) []func() {
	if s.state != StateDiscoveringServices || ev.Conn != s.conn {
		return nil
	}
	s.stopTimer()

	msg := fmt.Sprintf("Services discovered: status %d, %d services", ev.Status, len(ev.Services))
	fx := []func(){func() { s.listener.OnStateChange(msg) }}
	if ev.Status != 0 {
		return append(fx, s.fail(errors.Wrapf(ErrLink, "service discovery status %d: %s", ev.Status, errString(ev.Err)))...)
	}

	char, err := findCharacteristic(ev.Services, s.opts.ServiceUUID, s.opts.CharacteristicUUID)
	if err != nil {
		return append(fx, s.fail(err)...)
	}

	s.char = char
	s.state = StateReady
	s.failures = 0
	name := displayName(s.device)
	s.log.WithField("name", name).Info("dimmer ready")

	conn := s.conn
	fx = append(fx,
		s.request(conn, char.EnableNotifications),
		func() { s.listener.OnDeviceConnected(name) },
	)
	return append(fx, s.submitNext()...)
}

func (s *Session) enqueue(f protocol.Frame) []func() {
	if dropped, ok := s.queue.push(f); ok {
		s.log.WithFields(logrus.Fields{"dropped": dropped, "limit": s.opts.QueueSize}).Warn("command queue full, dropping oldest waiting frame")
	}
	s.log.WithFields(logrus.Fields{"frame": f, "queued": s.queue.len()}).Debug("queued frame")
	s.markBusy()
	return s.submitNext()
}

// submitNext hands the queue head to the characteristic if the session is
// ready and nothing is in flight. Caller must hold mu.
func (s *Session) submitNext() []func() {
	if s.state != StateReady {
		return nil
	}
	f, ok := s.queue.next()
	if !ok {
		return nil
	}
	conn, char := s.conn, s.char
	data := f.Bytes()
	s.log.WithField("frame", f).Debug("writing frame")
	return []func(){s.request(conn, func() error { return char.Write(data) })}
}

func (s *Session) onWriteComplete(ev Event) []func() {
	if s.state != StateReady || ev.Conn != s.conn {
		return nil
	}
	f, ok := s.queue.complete()
	if !ok {
		s.log.Warn("write completion with nothing in flight")
		return nil
	}
	s.markIdle()
	msg := fmt.Sprintf("Wrote %02x", f[0])
	fx := []func(){func() { s.listener.OnStateChange(msg) }}
	return append(fx, s.submitNext()...)
}

func (s *Session) onNotification(ev Event) []func() {
	if s.state != StateReady || ev.Conn != s.conn {
		return nil
	}
	payload := ev.Payload
	fx := []func(){func() { s.listener.OnStateChange("RX " + payload) }}

	values, err := protocol.DecodeNotification(payload)
	if err == nil && len(values) != protocol.Channels {
		err = errors.Errorf("got %d channel values, want %d", len(values), protocol.Channels)
	}
	if err != nil {
		perr := errors.Wrap(ErrProtocol, err.Error())
		s.log.WithError(perr).WithField("payload", payload).Warn("dropping notification")
		return append(fx, func() { s.notifyError(perr) })
	}

	s.values = values
	if s.opts.ReadValues == ReadOnce && s.delivered {
		return fx
	}
	s.delivered = true
	snapshot := append([]int(nil), values...)
	return append(fx, func() { s.listener.OnReadValues(snapshot) })
}

// fail tears the session down after err and schedules a restart. Caller
// must hold mu.
func (s *Session) fail(err error) []func() {
	prev := s.state
	conn := s.conn
	dropped := s.queue.clear()

	s.state = StateDisconnected
	s.conn, s.char = nil, nil
	s.stopTimer()
	s.markIdle()
	s.failures++
	s.restartSeq++
	delay := s.restartDelay()

	s.log.WithError(err).WithFields(logrus.Fields{
		"from":     prev,
		"dropped":  dropped,
		"failures": s.failures,
		"restart":  delay,
	}).Warn("session lost")

	var fx []func()
	if prev == StateScanning {
		fx = append(fx, s.stopScan)
	}
	if conn != nil {
		fx = append(fx, func() { s.disconnect(conn) })
	}
	fx = append(fx, func() {
		s.listener.OnStateChange("Connection lost: " + err.Error())
		s.notifyError(err)
		s.listener.OnConnectionLost()
	})

	seq := s.restartSeq
	if delay <= 0 {
		s.inbox = append(s.inbox, Event{Kind: eventRestart, attempt: seq})
	} else {
		if s.restartTimer != nil {
			s.restartTimer.Stop()
		}
		s.restartTimer = time.AfterFunc(delay, func() {
			s.dispatch(Event{Kind: eventRestart, attempt: seq})
		})
	}
	return fx
}

func (s *Session) close() []func() {
	prev := s.state
	conn := s.conn
	if n := s.queue.len(); n > 0 {
		s.log.WithField("count", n).Warn("closing with unsent frames")
	}
	s.queue.clear()
	s.state = StateIdle
	s.conn, s.char = nil, nil
	s.failures = 0
	s.stopTimer()
	s.restartSeq++
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.markIdle()

	var fx []func()
	if prev == StateScanning {
		fx = append(fx, s.stopScan)
	}
	if conn != nil {
		fx = append(fx, func() { s.disconnect(conn) })
	}
	if prev != StateIdle {
		fx = append(fx, func() { s.listener.OnStateChange("Closed") })
	}
	return fx
}

// request wraps an adapter call so that an immediate error re-enters the
// state machine as a driver error for conn.
func (s *Session) request(conn Connection, call func() error) func() {
	return func() {
		if err := call(); err != nil {
			s.dispatch(Event{Kind: eventDriverError, Conn: conn, Err: err})
		}
	}
}

func (s *Session) stopScan() {
	if err := s.adapter.StopScan(); err != nil {
		s.log.WithError(err).Debug("stop scan")
	}
}

func (s *Session) disconnect(conn Connection) {
	if err := conn.Disconnect(); err != nil {
		s.log.WithError(err).Debug("disconnect")
	}
}

func (s *Session) notifyError(err error) {
	if el, ok := s.listener.(ErrorListener); ok {
		el.OnSessionError(err)
	}
}

// armTimer bounds the current connect phase. Caller must hold mu.
func (s *Session) armTimer() {
	s.stopTimer()
	if s.opts.ConnectTimeout <= 0 {
		return
	}
	seq := s.timerSeq
	s.timer = time.AfterFunc(s.opts.ConnectTimeout, func() {
		s.dispatch(Event{Kind: eventTimeout, attempt: seq})
	})
}

// stopTimer cancels the phase timer; a timer that already fired is made
// stale by bumping timerSeq. Caller must hold mu.
func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
}

// restartDelay is zero for the first failure in a row and backs off after.
func (s *Session) restartDelay() time.Duration {
	if s.failures <= 1 || s.opts.RestartBackoffMax <= 0 {
		return 0
	}
	return backoffDelay(s.failures-2, s.opts.RestartBackoffMax)
}

func (s *Session) markBusy() {
	if s.idleClosed && s.queue.len() > 0 {
		s.idle = make(chan struct{})
		s.idleClosed = false
	}
}

func (s *Session) markIdle() {
	if !s.idleClosed && s.queue.len() == 0 {
		close(s.idle)
		s.idleClosed = true
	}
}

// backoffDelay returns the restart delay for attempt n, capped at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt >= 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

func findCharacteristic(services []Service, serviceUUID, charUUID string) (Characteristic, error) {
	for _, svc := range services {
		if !strings.EqualFold(svc.UUID(), serviceUUID) {
			continue
		}
		for _, c := range svc.Characteristics() {
			if strings.EqualFold(c.UUID(), charUUID) {
				return c, nil
			}
		}
		return nil, errors.Wrapf(ErrConfiguration, "characteristic %s not found in service %s", charUUID, serviceUUID)
	}
	return nil, errors.Wrapf(ErrConfiguration, "service %s not found", serviceUUID)
}

func displayName(d Device) string {
	if d.Name != "" {
		return d.Name
	}
	return d.MAC
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
