package ble

import (
	"sync"

	"github.com/pkg/errors"
	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. tinygo's calls block, so each
// request runs on its own goroutine and reports back through the event
// handler. On macOS, device addresses are CoreBluetooth UUIDs rather than
// MAC addresses; Device.MAC carries whichever string the platform uses.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects handler and connections.
	mu          sync.Mutex
	handler     func(Event)
	connections map[string]*tinyGoConnection // keyed by device address
}

// NewTinyGoAdapter creates an adapter on the platform's default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo reports peripheral-initiated disconnects through the
	// adapter-level connect handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			a.emit(Event{Kind: EventDisconnected, Conn: conn})
		}
	})
	return nil
}

func (a *TinyGoAdapter) SetEventHandler(handler func(Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

func (a *TinyGoAdapter) emit(ev Event) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (a *TinyGoAdapter) StartScan(serviceUUID string) error {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return errors.Wrap(err, "ble: parse service UUID")
	}

	go func() {
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(uuid) {
				return
			}
			a.emit(Event{Kind: EventDeviceFound, Device: Device{
				Name: result.LocalName(),
				MAC:  result.Address.String(),
				RSSI: int(result.RSSI),
			}})
		})
		if err != nil {
			a.emit(Event{Kind: EventScanFailed, Err: errors.Wrap(err, "ble: scan")})
		}
	}()
	return nil
}

func (a *TinyGoAdapter) StopScan() error {
	return a.adapter.StopScan()
}

func (a *TinyGoAdapter) Connect(device Device, attempt uint64) error {
	var addr bluetooth.Address
	addr.Set(device.MAC)

	go func() {
		dev, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			a.emit(Event{
				Kind:    EventConnectionStateChanged,
				Err:     errors.Wrapf(err, "ble: connect to %s", device.MAC),
				Attempt: attempt,
			})
			return
		}
		conn := &tinyGoConnection{adapter: a, device: dev}

		// Track this connection so the adapter-level disconnect handler
		// can find it.
		a.mu.Lock()
		a.connections[dev.Address.String()] = conn
		a.mu.Unlock()

		a.emit(Event{Kind: EventConnectionStateChanged, Conn: conn, Success: true, Connected: true, Attempt: attempt})
	}()
	return nil
}

type tinyGoConnection struct {
	adapter *TinyGoAdapter
	device  bluetooth.Device
}

func (c *tinyGoConnection) DiscoverServices() error {
	go func() {
		services, err := c.discover()
		if err != nil {
			c.adapter.emit(Event{Kind: EventServicesDiscovered, Conn: c, Status: 1, Err: err})
			return
		}
		c.adapter.emit(Event{Kind: EventServicesDiscovered, Conn: c, Services: services})
	}()
	return nil
}

func (c *tinyGoConnection) discover() ([]Service, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, errors.Wrap(err, "ble: discover services")
	}
	services := make([]Service, 0, len(svcs))
	for i := range svcs {
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, errors.Wrapf(err, "ble: discover characteristics of %s", svcs[i].UUID().String())
		}
		svc := &tinyGoService{uuid: svcs[i].UUID().String()}
		for j := range chars {
			svc.chars = append(svc.chars, &tinyGoCharacteristic{conn: c, char: &chars[j]})
		}
		services = append(services, svc)
	}
	return services, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

type tinyGoService struct {
	uuid  string
	chars []Characteristic
}

func (s *tinyGoService) UUID() string                      { return s.uuid }
func (s *tinyGoService) Characteristics() []Characteristic { return s.chars }

type tinyGoCharacteristic struct {
	conn *tinyGoConnection
	char *bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) UUID() string {
	return c.char.UUID().String()
}

// Write sends data without response: BlueZ and the other non-Apple
// backends only expose that form. Completion is reported once tinygo
// returns.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	go func() {
		if _, err := c.char.WriteWithoutResponse(data); err != nil {
			c.conn.adapter.emit(Event{Kind: EventWriteFailed, Conn: c.conn, Err: errors.Wrap(err, "ble: write")})
			return
		}
		c.conn.adapter.emit(Event{Kind: EventWriteComplete, Conn: c.conn})
	}()
	return nil
}

func (c *tinyGoCharacteristic) EnableNotifications() error {
	return c.char.EnableNotifications(func(buf []byte) {
		c.conn.adapter.emit(Event{Kind: EventNotification, Conn: c.conn, Payload: string(buf)})
	})
}
