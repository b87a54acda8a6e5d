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

// Package element describes the secure element (ATECC608A) consumed by the
// secure boot core.
//
// The byte level transport (bus addressing, wake/sleep timing, command
// framing and retries) lives behind the Element interface, implementations
// are expected to perform their own bounded retries as configured in
// Config.Retries.
package element

import "fmt"

// Zone identifies a logical partition of the secure element.
type Zone uint8

const (
	ZoneConfig Zone = 0x00
	ZoneOTP    Zone = 0x01
	ZoneData   Zone = 0x02
)

func (z Zone) String() string {
	switch z {
	case ZoneConfig:
		return "config"
	case ZoneOTP:
		return "OTP"
	case ZoneData:
		return "data"
	}
	return fmt.Sprintf("zone(%#x)", uint8(z))
}

// LockFlag modifies a zone lock request.
type LockFlag uint8

const (
	// LockNoCRC skips the zone CRC check on lock.
	LockNoCRC LockFlag = 0x80
)

// LockState is the lock status of a zone or slot.
type LockState bool

const (
	Unlocked LockState = false
	Locked   LockState = true
)

func (l LockState) String() string {
	if l {
		return "locked"
	}
	return "unlocked"
}

const (
	// ConfigSize is the size of the configuration zone.
	ConfigSize = 128
	// ConfigFixedSize is the number of leading configuration bytes holding
	// manufacturing fields, these must never be written.
	ConfigFixedSize = 16
	// AddressOffset is the configuration byte holding the bus address.
	AddressOffset = 16
	// SecureBootConfigOffset is the offset of the SecureBoot configuration
	// word, the high nibble of the following byte selects the public key slot.
	SecureBootConfigOffset = 70
	// PublicKeySize is the size of a raw P-256 public key (X || Y).
	PublicKeySize = 64
	// BlockSize is the size of a data zone block.
	BlockSize = 32
	// NumSlots is the number of data zone slots.
	NumSlots = 16
)

// Reader provides read access to the secure element.
type Reader interface {
	// ReadZone reads length bytes from zone/slot at offset.
	ReadZone(zone Zone, slot uint16, offset int, length int) ([]byte, error)
	// IsLocked returns whether the zone is locked.
	IsLocked(zone Zone) (bool, error)
	// IsSlotLocked returns whether the data zone slot is locked.
	IsSlotLocked(slot uint16) (bool, error)
	// ReadPublicKey returns the 64 byte public key stored in slot, with
	// padding removed.
	ReadPublicKey(slot uint16) ([]byte, error)
}

// Writer provides write access to the secure element.
type Writer interface {
	// WriteZone writes data to zone/slot at offset.
	WriteZone(zone Zone, slot uint16, offset int, data []byte) error
}

// Locker provides the irreversible lock operations.
type Locker interface {
	// Lock locks an entire zone.
	//
	// *WARNING*: this is a one-time irreversible operation.
	Lock(zone Zone, flags LockFlag) error
	// LockSlot locks a single data zone slot.
	//
	// *WARNING*: this is a one-time irreversible operation.
	LockSlot(slot uint16) error
}

// Element is the full secure element interface.
type Element interface {
	Reader
	Writer
	Locker

	// Connect initializes the transport for the given configuration, an
	// error is returned if no device answers at the configured address.
	Connect(cfg Config) error
	// Wake wakes the device up.
	Wake() error
	// Sleep puts the device into sleep mode.
	Sleep() error
}
