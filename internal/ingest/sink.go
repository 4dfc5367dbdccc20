// Package ingest turns wire bytes from sensors and wearables into staged
// files and reports device activity to a Sink.
package ingest

// Sink receives device activity from the front ends. scheduler.Tracker is
// the production implementation. DeviceConnected reports whether the device
// joined the connected set and DeviceDisconnected whether it left it.
type Sink interface {
	DeviceConnected(device, token string) bool
	DeviceDisconnected(device string) bool
	FileReceived(device, name string)
}
