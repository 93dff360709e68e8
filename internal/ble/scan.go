package ble

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ScanForDevices lists dimmers advertising serviceUUID for the given
// duration, one entry per address in discovery order. It takes over the
// adapter's event handler, so it must not run alongside a Session.
func ScanForDevices(adapter Adapter, serviceUUID string, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, errors.Wrap(err, "ble: enable adapter")
	}

	var mu sync.Mutex
	var devices []Device
	var scanErr error
	seen := make(map[string]bool)
	failed := make(chan struct{})

	adapter.SetEventHandler(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Kind {
		case EventDeviceFound:
			if !ev.Device.Usable() || seen[ev.Device.MAC] {
				return
			}
			seen[ev.Device.MAC] = true
			devices = append(devices, ev.Device)
		case EventScanFailed:
			if scanErr == nil {
				scanErr = ev.Err
				close(failed)
			}
		}
	})
	defer adapter.SetEventHandler(nil)

	if err := adapter.StartScan(serviceUUID); err != nil {
		return nil, errors.Wrap(err, "ble: scan")
	}

	select {
	case <-time.After(timeout):
	case <-failed:
	}
	if err := adapter.StopScan(); err != nil {
		return nil, errors.Wrap(err, "ble: stop scan")
	}

	mu.Lock()
	defer mu.Unlock()
	if scanErr != nil {
		return nil, errors.Wrap(scanErr, "ble: scan")
	}
	return append([]Device(nil), devices...), nil
}
