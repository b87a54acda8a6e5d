// Copyright 2024 The Armored Secure Boot authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package element

import (
	"fmt"
	"time"
)

// Bus addresses a secure element may answer at.
const (
	// DemoAddress is used by devices provisioned by the secure boot demo.
	DemoAddress = 0x5a
	// FactoryConfigAddress is used by devices shipped with the factory
	// secure boot configuration.
	FactoryConfigAddress = 0x6a
	// DefaultAddress is the manufacturer default address.
	DefaultAddress = 0xc0
)

// DiscoveryOrder lists candidate addresses by the likelihood of finding a
// device there, across manufacturing and field states.
var DiscoveryOrder = []uint8{DemoAddress, FactoryConfigAddress, DefaultAddress}

// InterfaceKind is the physical interface to the secure element.
type InterfaceKind int

const (
	InterfaceI2C InterfaceKind = iota
	InterfaceHID
)

func (i InterfaceKind) String() string {
	switch i {
	case InterfaceI2C:
		return "I2C"
	case InterfaceHID:
		return "HID"
	}
	return fmt.Sprintf("iface(%d)", int(i))
}

// DeviceType is the secure element model.
type DeviceType int

const (
	ATSHA204A DeviceType = iota
	ATECC108A
	ATECC508A
	ATECC608A
)

func (d DeviceType) String() string {
	switch d {
	case ATSHA204A:
		return "ATSHA204A"
	case ATECC108A:
		return "ATECC108A"
	case ATECC508A:
		return "ATECC508A"
	case ATECC608A:
		return "ATECC608A"
	}
	return fmt.Sprintf("device(%d)", int(d))
}

// Config holds the parameters required to reach a secure element.
//
// Address is the only field which changes during a boot pass, when
// provisioning rewrites the device bus address.
type Config struct {
	Interface InterfaceKind
	Device    DeviceType
	// Address is the bus address of the device.
	Address uint8
	// Bus is the bus index on the host.
	Bus int
	// Baud is the bus clock in Hz.
	Baud int
	// WakeDelay is the time to wait after a wake condition.
	WakeDelay time.Duration
	// Retries is the number of transport level receive retries.
	Retries int
}

// DefaultConfig returns the configuration for an ATECC608A on the host I2C
// bus.
func DefaultConfig() Config {
	return Config{
		Interface: InterfaceI2C,
		Device:    ATECC608A,
		Address:   DemoAddress,
		Bus:       2,
		Baud:      400000,
		WakeDelay: 1500 * time.Microsecond,
		Retries:   20,
	}
}

func (c Config) String() string {
	return fmt.Sprintf("%s %s@%#02x bus:%d baud:%d", c.Device, c.Interface, c.Address, c.Bus, c.Baud)
}
