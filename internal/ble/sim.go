package ble

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/primiano/light-dimmer-ble/internal/ble/protocol"
)

// SimAdapter is an in-process dimmer peripheral. It speaks the same frame
// protocol as the firmware: each applied brightness frame is answered with
// a hex status notification. Results are delivered asynchronously after
// Latency, like a real stack would.
type SimAdapter struct {
	Name    string
	MAC     string
	Latency time.Duration

	mu         sync.Mutex
	handler    func(Event)
	pending    []Event
	pumping    bool
	scanning   bool
	conn       *simConnection
	brightness [protocol.Channels]int
	smoothing  [protocol.Channels]int
	writes     []protocol.Frame
	failWrites int
	hideChar   bool
}

// NewSimAdapter returns a simulated dimmer with all channels dark.
func NewSimAdapter() *SimAdapter {
	return &SimAdapter{
		Name:    "LightDimmer-SIM",
		MAC:     "5a:11:00:00:00:01",
		Latency: 5 * time.Millisecond,
	}
}

var _ Adapter = (*SimAdapter)(nil)

func (a *SimAdapter) Enable() error { return nil }

func (a *SimAdapter) SetEventHandler(handler func(Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

// emit queues ev for in-order delivery on a single pump goroutine.
func (a *SimAdapter) emit(ev Event) {
	a.mu.Lock()
	a.pending = append(a.pending, ev)
	if a.pumping {
		a.mu.Unlock()
		return
	}
	a.pumping = true
	a.mu.Unlock()
	go a.pump()
}

func (a *SimAdapter) pump() {
	for {
		a.mu.Lock()
		if len(a.pending) == 0 {
			a.pumping = false
			a.mu.Unlock()
			return
		}
		ev := a.pending[0]
		a.pending = a.pending[1:]
		h := a.handler
		latency := a.Latency
		a.mu.Unlock()

		if latency > 0 {
			time.Sleep(latency)
		}
		if h != nil {
			h(ev)
		}
	}
}

func (a *SimAdapter) StartScan(serviceUUID string) error {
	if serviceUUID != ServiceUUID {
		return nil
	}
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return nil
	}
	a.scanning = true
	dev := Device{Name: a.Name, MAC: a.MAC, RSSI: -40}
	a.mu.Unlock()
	a.emit(Event{Kind: EventDeviceFound, Device: dev})
	return nil
}

func (a *SimAdapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanning = false
	return nil
}

func (a *SimAdapter) Connect(device Device, attempt uint64) error {
	if device.MAC != a.MAC {
		a.emit(Event{Kind: EventConnectionStateChanged, Err: errors.Errorf("sim: unknown device %s", device.MAC), Attempt: attempt})
		return nil
	}
	conn := &simConnection{adapter: a}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.emit(Event{Kind: EventConnectionStateChanged, Conn: conn, Success: true, Connected: true, Attempt: attempt})
	return nil
}

// SetLevels presets the peripheral's brightness values.
func (a *SimAdapter) SetLevels(values [protocol.Channels]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.brightness = values
}

// Levels returns the brightness and smoothing the peripheral has applied.
func (a *SimAdapter) Levels() (brightness, smoothing [protocol.Channels]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.brightness, a.smoothing
}

// Writes returns every frame the peripheral received, in order.
func (a *SimAdapter) Writes() []protocol.Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.Frame(nil), a.writes...)
}

// FailWrites makes the next n writes fail.
func (a *SimAdapter) FailWrites(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failWrites = n
}

// HideCharacteristic simulates firmware without the control characteristic.
func (a *SimAdapter) HideCharacteristic(hide bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hideChar = hide
}

// DropLink disconnects the current connection from the peripheral side.
func (a *SimAdapter) DropLink() {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn != nil {
		a.emit(Event{Kind: EventDisconnected, Conn: conn})
	}
}

func (a *SimAdapter) status() string {
	values := make([]int, protocol.Channels)
	copy(values, a.brightness[:])
	return protocol.EncodeNotification(values)
}

type simConnection struct {
	adapter *SimAdapter
	char    *simCharacteristic
}

func (c *simConnection) DiscoverServices() error {
	a := c.adapter
	a.mu.Lock()
	hide := a.hideChar
	a.mu.Unlock()

	c.char = &simCharacteristic{conn: c}
	svc := &simService{uuid: ServiceUUID}
	if !hide {
		svc.chars = []Characteristic{c.char}
	}
	a.emit(Event{Kind: EventServicesDiscovered, Conn: c, Services: []Service{svc}})
	return nil
}

func (c *simConnection) Disconnect() error {
	a := c.adapter
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == c {
		a.conn = nil
	}
	return nil
}

type simService struct {
	uuid  string
	chars []Characteristic
}

func (s *simService) UUID() string                      { return s.uuid }
func (s *simService) Characteristics() []Characteristic { return s.chars }

type simCharacteristic struct {
	conn      *simConnection
	notifying bool
}

func (c *simCharacteristic) UUID() string { return CharacteristicUUID }

func (c *simCharacteristic) Write(data []byte) error {
	a := c.conn.adapter
	if len(data) != 2 || data[0] != data[1] {
		return errors.Errorf("sim: malformed frame % x", data)
	}

	a.mu.Lock()
	if a.conn != c.conn {
		a.mu.Unlock()
		return errors.New("sim: not connected")
	}
	if a.failWrites > 0 {
		a.failWrites--
		a.mu.Unlock()
		a.emit(Event{Kind: EventWriteFailed, Conn: c.conn, Err: errors.New("sim: injected write failure")})
		return nil
	}
	a.writes = append(a.writes, protocol.Frame{data[0], data[1]})
	word := protocol.DecodeControlByte(data[0])
	var status string
	switch word.Mode {
	case protocol.ModeBrightness:
		a.brightness[word.Channel] = word.Magnitude
		if c.notifying {
			status = a.status()
		}
	case protocol.ModeSmoothing:
		a.smoothing[word.Channel] = word.Magnitude
	}
	a.mu.Unlock()

	a.emit(Event{Kind: EventWriteComplete, Conn: c.conn})
	if status != "" {
		a.emit(Event{Kind: EventNotification, Conn: c.conn, Payload: status})
	}
	return nil
}

func (c *simCharacteristic) EnableNotifications() error {
	a := c.conn.adapter
	a.mu.Lock()
	c.notifying = true
	status := a.status()
	a.mu.Unlock()
	a.emit(Event{Kind: EventNotification, Conn: c.conn, Payload: status})
	return nil
}
