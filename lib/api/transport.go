/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

// Transport is a bitfield of the transport channels a device declares in
// its attestation metadata. The bit values match the FIDO U2F metadata
// statement format.
type Transport int

const (
	// TransportBT is classic Bluetooth.
	TransportBT Transport = 1 << iota
	// TransportBLE is Bluetooth Low Energy.
	TransportBLE
	// TransportUSB is wired USB.
	TransportUSB
	// TransportNFC is near-field communication.
	TransportNFC
	// TransportInternal is a platform authenticator.
	TransportInternal
)

var transportNames = []struct {
	bit  Transport
	name string
}{
	{TransportBT, "bt"},
	{TransportBLE, "ble"},
	{TransportUSB, "usb"},
	{TransportNFC, "nfc"},
	{TransportInternal, "internal"},
}

// Strings expands the bitfield into the transport names used on the wire.
// The result is never nil so descriptors marshal a JSON array.
func (t Transport) Strings() []string {
	names := make([]string, 0, len(transportNames))
	for _, tn := range transportNames {
		if t&tn.bit != 0 {
			names = append(names, tn.name)
		}
	}
	return names
}
