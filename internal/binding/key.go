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

package binding

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sboot/element"
	"github.com/transparency-dev/armored-sboot/fault"
	"github.com/transparency-dev/armored-sboot/internal/iokey"
)

const keyInfo = "io-protection-key"

// ErrForeignHost is returned when the element IO protection key slot is
// already locked, the element belongs to another host.
var ErrForeignHost = errors.New("IO protection key slot locked by another host")

// KeyBinder derives a fresh IO protection key, writes it to the secure
// element and stores the host copy.
type KeyBinder struct {
	Element element.Element
	Keys    *iokey.Store
	// Rand is the entropy source, crypto/rand when nil.
	Rand io.Reader
}

// Bind implements Binder.
func (b *KeyBinder) Bind(slot uint16) (err error) {
	locked, err := b.Element.IsSlotLocked(slot)
	if err != nil {
		return fault.New(fault.TransportFault, "query IO key slot lock", err)
	}
	if locked {
		return fault.New(fault.PolicyFault, "bind", ErrForeignHost)
	}

	serial, err := element.Serial(b.Element)
	if err != nil {
		return fault.New(fault.TransportFault, "read serial number", err)
	}

	k, err := b.deriveKey(serial)
	if err != nil {
		return
	}
	defer k.Wipe()

	block := make([]byte, element.BlockSize)
	defer clear(block)

	copy(block, k[:])

	if err = b.Element.WriteZone(element.ZoneData, slot, 0, block); err != nil {
		return fault.New(fault.TransportFault, "write IO protection key", err)
	}

	klog.Warningf("locking IO protection key slot %d", slot)

	if err = b.Element.LockSlot(slot); err != nil {
		return fault.New(fault.TransportFault, "lock IO protection key slot", err)
	}

	return b.Keys.SetKey(k)
}

func (b *KeyBinder) deriveKey(serial []byte) (k iokey.Key, err error) {
	r := b.Rand
	if r == nil {
		r = rand.Reader
	}

	ikm := make([]byte, sha256.Size)
	defer clear(ikm)

	if _, err = io.ReadFull(r, ikm); err != nil {
		return k, fault.New(fault.TransportFault, "read entropy", err)
	}

	if _, err = io.ReadFull(hkdf.New(sha256.New, ikm, serial, []byte(keyInfo)), k[:]); err != nil {
		return k, fault.New(fault.TransportFault, "derive IO protection key", err)
	}

	return
}
