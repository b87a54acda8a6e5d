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

// Package provision writes and locks the secure element configuration and
// the secure boot public key.
//
// Every step which locks a zone or a slot is irreversible, the sequence is
// ordered so that a lock is only issued once everything it commits has been
// written and, for the public key, read back and verified. The first failure
// aborts the sequence and nothing is retried: a partially provisioned device
// must be inspected by an operator.
package provision

import (
	"bytes"
	"errors"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sboot/element"
	"github.com/transparency-dev/armored-sboot/fault"
)

// DemoPublicKey is the secure boot public key (X || Y) of the demo signing
// key.
var DemoPublicKey = [element.PublicKeySize]byte{
	0x21, 0x67, 0x64, 0x1c, 0x9f, 0xc4, 0x13, 0x6c, 0xb4, 0xa9, 0x1a, 0x4f, 0x56, 0xd4, 0x8b, 0x83,
	0x76, 0x9e, 0x3a, 0xd8, 0x1e, 0x0e, 0x01, 0xb7, 0x59, 0xc7, 0xc7, 0x94, 0x74, 0x3f, 0x1a, 0xa6,
	0x30, 0xcc, 0xb7, 0xec, 0xfc, 0xa8, 0x2e, 0xf0, 0x5b, 0xa1, 0x3d, 0x5b, 0x34, 0x53, 0x11, 0x18,
	0xa0, 0x67, 0x73, 0x7b, 0xdb, 0x1e, 0x3d, 0x1b, 0xbc, 0xdd, 0x10, 0x5a, 0x39, 0x23, 0x25, 0x3e,
}

// ErrKeyMismatch is returned when the public key read back from the element
// differs from the one written.
var ErrKeyMismatch = errors.New("public key read-back mismatch")

// Provisioner loads a configuration image and a secure boot public key into
// a secure element.
type Provisioner struct {
	Element element.Element
	// Image is the configuration zone image.
	Image Image
	// PublicKey is the secure boot public key (X || Y).
	PublicKey [element.PublicKeySize]byte
}

// New returns a provisioner for the canonical configuration image and the
// given public key.
func New(e element.Element, publicKey [element.PublicKeySize]byte) *Provisioner {
	return &Provisioner{
		Element:   e,
		Image:     CanonicalImage,
		PublicKey: publicKey,
	}
}

// LoadConfiguration provisions the element reachable through cfg.
//
// If the configuration zone is unlocked, the image is written (leaving the
// manufacturing bytes untouched) and the zone locked. Should the image move
// the element to a different bus address, cfg is updated and the connection
// re-established.
//
// If the secure boot public key slot is unlocked, the data zone is locked,
// the padded key written, read back and compared, and only then the slot is
// locked.
//
// Calling LoadConfiguration on a fully provisioned element performs no write.
func (p *Provisioner) LoadConfiguration(cfg *element.Config) (err error) {
	rec := KeySlotRecord{PublicKey: p.PublicKey}

	// an invalid key must never reach an irreversible slot lock
	if err = rec.Validate(); err != nil {
		return fault.New(fault.PolicyFault, "validate public key", err)
	}

	locked, err := p.Element.IsLocked(element.ZoneConfig)
	if err != nil {
		return fault.New(fault.TransportFault, "query config zone lock", err)
	}

	if !locked {
		if err = p.writeConfig(cfg); err != nil {
			return
		}
	} else {
		klog.Info("secure element config zone already locked")
	}

	if rec.Slot, err = ReadKeySlot(p.Element); err != nil {
		return
	}

	locked, err = p.Element.IsSlotLocked(rec.Slot)
	if err != nil {
		return fault.New(fault.TransportFault, "query key slot lock", err)
	}

	if locked {
		klog.Infof("secure boot public key slot %d already locked", rec.Slot)
		return
	}

	return p.writeKey(&rec)
}

func (p *Provisioner) writeConfig(cfg *element.Config) (err error) {
	klog.Infof("writing secure element configuration (%d bytes)", element.ConfigSize-element.ConfigFixedSize)

	if err = p.Element.WriteZone(element.ZoneConfig, 0, element.ConfigFixedSize, p.Image[element.ConfigFixedSize:]); err != nil {
		return fault.New(fault.TransportFault, "write config zone", err)
	}

	klog.Warning("locking secure element config zone")

	if err = p.Element.Lock(element.ZoneConfig, element.LockNoCRC); err != nil {
		return fault.New(fault.TransportFault, "lock config zone", err)
	}

	addr := p.Image.Address()

	if cfg.Address == addr {
		return
	}

	klog.Infof("secure element address changed %#02x -> %#02x, reconnecting", cfg.Address, addr)

	// a wake/sleep cycle brings the new address into effect
	if err = p.Element.Wake(); err != nil {
		return fault.New(fault.TransportFault, "wake", err)
	}

	if err = p.Element.Sleep(); err != nil {
		return fault.New(fault.TransportFault, "sleep", err)
	}

	cfg.Address = addr

	if err = p.Element.Connect(*cfg); err != nil {
		return fault.New(fault.TransportFault, "reconnect", err)
	}

	return
}

// ReadKeySlot returns the secure boot public key slot from the element
// configuration zone.
func ReadKeySlot(r element.Reader) (uint16, error) {
	b, err := r.ReadZone(element.ZoneConfig, 0, element.SecureBootConfigOffset+1, 1)
	if err != nil {
		return 0, fault.New(fault.TransportFault, "read secure boot config", err)
	}
	if len(b) != 1 {
		return 0, fault.Errorf(fault.TransportFault, "read secure boot config", "short read (%d bytes)", len(b))
	}
	return KeySlot(b[0]), nil
}

func (p *Provisioner) writeKey(rec *KeySlotRecord) (err error) {
	locked, err := p.Element.IsLocked(element.ZoneData)
	if err != nil {
		return fault.New(fault.TransportFault, "query data zone lock", err)
	}

	if !locked {
		klog.Warning("locking secure element data zone")

		if err = p.Element.Lock(element.ZoneData, element.LockNoCRC); err != nil {
			return fault.New(fault.TransportFault, "lock data zone", err)
		}
	}

	padded := rec.Padded()

	klog.Infof("writing secure boot public key to slot %d", rec.Slot)

	if err = p.Element.WriteZone(element.ZoneData, rec.Slot, 0, padded[:]); err != nil {
		return fault.New(fault.TransportFault, "write public key", err)
	}

	readBack, err := p.Element.ReadPublicKey(rec.Slot)
	if err != nil {
		return fault.New(fault.TransportFault, "read public key", err)
	}

	if !bytes.Equal(readBack, rec.PublicKey[:]) {
		return fault.New(fault.IntegrityFault, "verify public key", ErrKeyMismatch)
	}

	klog.Warningf("locking secure boot public key slot %d", rec.Slot)

	if err = p.Element.LockSlot(rec.Slot); err != nil {
		return fault.New(fault.TransportFault, "lock public key slot", err)
	}

	return
}
