// Package ble drives a four-channel BLE light dimmer: it discovers the
// peripheral, keeps a GATT session to it alive, serializes control-word
// writes and decodes the dimmer's status notifications.
//
// The radio itself sits behind Adapter. Every Adapter request returns
// immediately and its outcome is delivered later as an Event, so the
// session can be exercised with synthetic events and no hardware.
package ble

import (
	"fmt"

	"github.com/primiano/light-dimmer-ble/internal/ble/protocol"
)

// Light dimmer GATT identifiers (HM-10 style serial service).
const (
	ServiceUUID        = "0000ffe0-0000-1000-8000-00805f9b34fb"
	CharacteristicUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"
)

// Characteristic is a GATT characteristic on a connected peripheral.
type Characteristic interface {
	UUID() string
	// Write submits data. Completion is reported as EventWriteComplete or
	// EventWriteFailed.
	Write(data []byte) error
	// EnableNotifications subscribes to value changes, reported as
	// EventNotification.
	EnableNotifications() error
}

// Service is a discovered GATT service.
type Service interface {
	UUID() string
	Characteristics() []Characteristic
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Usable reports whether the device carries an address that can be connected to.
func (d Device) Usable() bool {
	return d.MAC != ""
}

// Connection represents a GATT connection to a peripheral.
type Connection interface {
	// DiscoverServices starts service discovery, reported as
	// EventServicesDiscovered.
	DiscoverServices() error
	// Disconnect terminates the connection.
	Disconnect() error
}

// Adapter abstracts the BLE hardware adapter.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// SetEventHandler registers the sink for all asynchronous results.
	SetEventHandler(handler func(Event))
	// StartScan scans for peripherals advertising serviceUUID. Each match is
	// reported as EventDeviceFound until StopScan is called.
	StartScan(serviceUUID string) error
	StopScan() error
	// Connect opens a GATT connection, reported as EventConnectionStateChanged
	// carrying the same attempt number.
	Connect(device Device, attempt uint64) error
}

// EventKind tags an Event.
type EventKind int

const (
	EventDeviceFound EventKind = iota + 1
	EventScanFailed
	EventConnectionStateChanged
	EventServicesDiscovered
	EventWriteComplete
	EventWriteFailed
	EventNotification
	EventDisconnected

	// Raised by the session itself.
	eventStart
	eventRestart
	eventTimeout
	eventDriverError
	eventEnqueue
	eventClose
)

var eventNames = map[EventKind]string{
	EventDeviceFound:            "device-found",
	EventScanFailed:             "scan-failed",
	EventConnectionStateChanged: "connection-state-changed",
	EventServicesDiscovered:     "services-discovered",
	EventWriteComplete:          "write-complete",
	EventWriteFailed:            "write-failed",
	EventNotification:           "notification",
	EventDisconnected:           "disconnected",
	eventStart:                  "start",
	eventRestart:                "restart",
	eventTimeout:                "timeout",
	eventDriverError:            "driver-error",
	eventEnqueue:                "enqueue",
	eventClose:                  "close",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a single result delivered by an Adapter (or raised internally).
// Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	Device    Device     // EventDeviceFound
	Conn      Connection // connection-scoped events
	Success   bool       // EventConnectionStateChanged
	Connected bool       // EventConnectionStateChanged
	Status    int        // EventServicesDiscovered, 0 is success
	Services  []Service  // EventServicesDiscovered
	Payload   string     // EventNotification
	Err       error      // failures
	Attempt   uint64     // EventConnectionStateChanged, echoes Connect

	attempt uint64         // eventTimeout, eventRestart
	frame   protocol.Frame // eventEnqueue
}
