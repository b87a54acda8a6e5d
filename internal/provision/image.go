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

package provision

import (
	"crypto/ecdh"
	"fmt"

	"github.com/transparency-dev/armored-sboot/element"
)

// Image is a secure element configuration zone image.
type Image [element.ConfigSize]byte

// SecureBootMode selects what the secure element verifies at boot.
type SecureBootMode uint8

const (
	SecureBootDisabled SecureBootMode = iota
	SecureBootFullBoth
	SecureBootFullSig
	SecureBootFullDig
)

const secureBootModeMask = 0x03

func (m SecureBootMode) String() string {
	switch m {
	case SecureBootDisabled:
		return "Disabled"
	case SecureBootFullBoth:
		return "FullBoth"
	case SecureBootFullSig:
		return "FullSig"
	case SecureBootFullDig:
		return "FullDig"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseSecureBootMode parses a mode name as printed by String.
func ParseSecureBootMode(s string) (SecureBootMode, error) {
	for m := SecureBootDisabled; m <= SecureBootFullDig; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown secure boot mode %q", s)
}

// CanonicalImage is the configuration written to unprovisioned devices: bus
// address 0x6a, SecureBoot FullDig with the public key in slot 15 and the IO
// protection key in slot 6.
var CanonicalImage = Image{
	0x01, 0x23, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x01, 0x01, 0x00,
	element.FactoryConfigAddress, 0x00, 0x00, 0x01, 0x85, 0x00, 0x82, 0x00, 0x85, 0x20, 0x85, 0x20, 0x85, 0x20, 0x8f, 0x46,
	0x8f, 0x0f, 0x9f, 0x8f, 0x0f, 0x0f, 0x8f, 0x0f, 0x0f, 0x8f, 0x0f, 0x8f, 0x0f, 0x8f, 0x0f, 0x0f,
	0x0d, 0x1f, 0x0f, 0x0f, 0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x03, 0xf7, 0x00, 0x69, 0x76, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0x0e, 0x60, 0x00, 0x00, 0x00, 0x00,
	0x53, 0x00, 0x53, 0x00, 0x73, 0x00, 0x73, 0x00, 0x73, 0x00, 0x38, 0x00, 0x7c, 0x00, 0x1c, 0x00,
	0x3c, 0x00, 0x1a, 0x00, 0x1c, 0x00, 0x10, 0x00, 0x1c, 0x00, 0x30, 0x00, 0x12, 0x00, 0x30, 0x00,
}

// Address returns the bus address the device answers at once the image is
// committed.
func (img *Image) Address() uint8 {
	return img[element.AddressOffset]
}

// SecureBootKeySlot returns the slot holding the secure boot public key.
func (img *Image) SecureBootKeySlot() uint16 {
	return KeySlot(img[element.SecureBootConfigOffset+1])
}

// SecureBootMode returns the configured secure boot mode.
func (img *Image) SecureBootMode() SecureBootMode {
	return SecureBootMode(img[element.SecureBootConfigOffset] & secureBootModeMask)
}

// WithSecureBootMode returns a copy of the image with the given mode.
func (img Image) WithSecureBootMode(m SecureBootMode) Image {
	img[element.SecureBootConfigOffset] &^= secureBootModeMask
	img[element.SecureBootConfigOffset] |= byte(m) & secureBootModeMask
	return img
}

// KeySlot decodes the public key slot from the SecureBoot configuration byte.
func KeySlot(b byte) uint16 {
	return uint16(b >> 4)
}

// KeySlotRecord is a public key destined to a data zone slot.
type KeySlotRecord struct {
	Slot      uint16
	PublicKey [element.PublicKeySize]byte
}

// PaddedSize is the size of the zone write for a padded public key.
const PaddedSize = 72

// Padded returns the zone write buffer for the record: each 32 byte
// coordinate is preceded by four zero bytes.
func (r *KeySlotRecord) Padded() (buf [PaddedSize]byte) {
	copy(buf[4:36], r.PublicKey[:32])
	copy(buf[40:72], r.PublicKey[32:])
	return
}

// Validate checks that the public key is a point on P-256.
func (r *KeySlotRecord) Validate() error {
	if _, err := ecdh.P256().NewPublicKey(append([]byte{0x04}, r.PublicKey[:]...)); err != nil {
		return fmt.Errorf("invalid P-256 public key: %v", err)
	}
	return nil
}
