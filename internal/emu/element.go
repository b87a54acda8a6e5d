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

package emu

import (
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sboot/element"
)

const (
	// slot 8 is the large data slot, all others fit a padded public key
	maxSlotLength   = 416
	keySlotLength   = 72
	largeSlot       = 8
	paddedKeyLength = 72
)

var (
	// ErrNoDevice is returned by Connect when nothing answers at the
	// configured address.
	ErrNoDevice = errors.New("no device at address")
	// ErrLocked is returned on any write to a locked zone or slot.
	ErrLocked = errors.New("zone or slot is locked")
	// ErrNotConnected is returned by operations issued before Connect.
	ErrNotConnected = errors.New("not connected")
)

// ElementState is the persistent state of an emulated secure element.
type ElementState struct {
	// Address is the bus address the device answers at.
	Address uint8 `yaml:"address"`
	// Config is the configuration zone.
	Config HexBytes `yaml:"config"`
	// ConfigLocked and DataLocked are the zone lock states.
	ConfigLocked bool `yaml:"config_locked"`
	DataLocked   bool `yaml:"data_locked"`
	// SlotLocked holds the per-slot lock states.
	SlotLocked [element.NumSlots]bool `yaml:"slot_locked,flow"`
	// Slots holds the data zone slot content.
	Slots [element.NumSlots]HexBytes `yaml:"slots"`
}

// FactoryState returns the state of a device fresh from the manufacturer.
func FactoryState() ElementState {
	cfg := make([]byte, element.ConfigSize)
	// serial number and revision
	copy(cfg[0:], []byte{0x01, 0x23, 0x8a, 0x3c, 0x00, 0x00, 0x60, 0x02, 0x51, 0x27, 0x4d, 0x15, 0xee, 0x01, 0x45, 0x00})
	cfg[element.AddressOffset] = element.DefaultAddress
	return ElementState{
		Address: element.DefaultAddress,
		Config:  cfg,
	}
}

// Element is an in-memory secure element.
type Element struct {
	mu sync.Mutex

	state          ElementState
	connected      bool
	pendingAddress uint8
	awake          bool

	// Ops records every state changing operation, in order.
	Ops []string
	// Violations records writes attempted against locked zones or slots.
	Violations []string

	// Inject, when set, is called before every operation with the operation
	// name ("connect", "read", "write", "lock", "lockslot", "islocked",
	// "isslotlocked", "pubkey", "wake", "sleep"), a non-nil return fails
	// the operation.
	Inject func(op string) error
}

// NewElement returns an emulated element in the given state.
func NewElement(s ElementState) *Element {
	if len(s.Config) != element.ConfigSize {
		cfg := make([]byte, element.ConfigSize)
		copy(cfg, s.Config)
		s.Config = cfg
	}
	return &Element{state: s, pendingAddress: s.Address}
}

// State returns a copy of the element state.
func (e *Element) State() ElementState {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.state
	s.Config = append(HexBytes(nil), e.state.Config...)
	for i := range s.Slots {
		s.Slots[i] = append(HexBytes(nil), e.state.Slots[i]...)
	}
	return s
}

func (e *Element) inject(op string) error {
	if e.Inject == nil {
		return nil
	}
	return e.Inject(op)
}

func (e *Element) ready(op string) error {
	if err := e.inject(op); err != nil {
		return err
	}
	if !e.connected {
		return ErrNotConnected
	}
	return nil
}

// Connect succeeds only when cfg addresses the device.
func (e *Element) Connect(cfg element.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.inject("connect"); err != nil {
		return err
	}
	if cfg.Address != e.state.Address {
		e.connected = false
		return fmt.Errorf("%#02x: %w", cfg.Address, ErrNoDevice)
	}
	e.connected = true
	return nil
}

// Wake wakes the device.
func (e *Element) Wake() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.inject("wake"); err != nil {
		return err
	}
	e.awake = true
	return nil
}

// Sleep puts the device to sleep, a bus address committed to the
// configuration zone takes effect on the next wake.
func (e *Element) Sleep() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.inject("sleep"); err != nil {
		return err
	}
	e.awake = false
	if e.pendingAddress != e.state.Address {
		klog.V(2).Infof("emu: element address %#02x -> %#02x", e.state.Address, e.pendingAddress)
		e.state.Address = e.pendingAddress
		e.connected = false
	}
	return nil
}

// ReadZone reads from the configuration zone or a data slot.
func (e *Element) ReadZone(zone element.Zone, slot uint16, offset int, length int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready("read"); err != nil {
		return nil, err
	}
	var src []byte
	switch zone {
	case element.ZoneConfig:
		src = e.state.Config
	case element.ZoneData:
		if int(slot) >= element.NumSlots {
			return nil, fmt.Errorf("invalid slot %d", slot)
		}
		src = e.state.Slots[slot]
	default:
		return nil, fmt.Errorf("unsupported zone %v", zone)
	}
	if offset < 0 || length < 0 || offset+length > len(src) && zone == element.ZoneConfig {
		return nil, fmt.Errorf("read %d+%d past end of %v zone", offset, length, zone)
	}
	buf := make([]byte, length)
	if offset < len(src) {
		copy(buf, src[offset:])
	}
	return buf, nil
}

// WriteZone writes to the configuration zone or a data slot.
func (e *Element) WriteZone(zone element.Zone, slot uint16, offset int, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready("write"); err != nil {
		return err
	}
	switch zone {
	case element.ZoneConfig:
		if e.state.ConfigLocked {
			e.Violations = append(e.Violations, fmt.Sprintf("write config@%d", offset))
			return fmt.Errorf("config zone: %w", ErrLocked)
		}
		if offset < element.ConfigFixedSize {
			e.Violations = append(e.Violations, fmt.Sprintf("write config@%d", offset))
			return fmt.Errorf("config bytes [0, %d) are read-only", element.ConfigFixedSize)
		}
		if offset+len(data) > element.ConfigSize {
			return fmt.Errorf("write %d+%d past end of config zone", offset, len(data))
		}
		copy(e.state.Config[offset:], data)
		e.Ops = append(e.Ops, fmt.Sprintf("write config@%d", offset))
	case element.ZoneData:
		if int(slot) >= element.NumSlots {
			return fmt.Errorf("invalid slot %d", slot)
		}
		if !e.state.ConfigLocked {
			return errors.New("data zone writes require a locked config zone")
		}
		if e.state.SlotLocked[slot] {
			e.Violations = append(e.Violations, fmt.Sprintf("write slot %d", slot))
			return fmt.Errorf("slot %d: %w", slot, ErrLocked)
		}
		limit := keySlotLength
		if slot == largeSlot {
			limit = maxSlotLength
		}
		if offset+len(data) > limit {
			return fmt.Errorf("write %d+%d past end of slot %d", offset, len(data), slot)
		}
		buf := e.state.Slots[slot]
		if len(buf) < offset+len(data) {
			buf = append(buf, make([]byte, offset+len(data)-len(buf))...)
		}
		copy(buf[offset:], data)
		e.state.Slots[slot] = buf
		e.Ops = append(e.Ops, fmt.Sprintf("write slot %d", slot))
	default:
		return fmt.Errorf("unsupported zone %v", zone)
	}
	return nil
}

// Lock locks the configuration or data zone.
func (e *Element) Lock(zone element.Zone, flags element.LockFlag) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready("lock"); err != nil {
		return err
	}
	switch zone {
	case element.ZoneConfig:
		if e.state.ConfigLocked {
			e.Violations = append(e.Violations, "lock config")
			return fmt.Errorf("config zone: %w", ErrLocked)
		}
		e.state.ConfigLocked = true
		e.pendingAddress = e.state.Config[element.AddressOffset]
		e.Ops = append(e.Ops, "lock config")
	case element.ZoneData:
		if !e.state.ConfigLocked {
			return errors.New("data zone lock requires a locked config zone")
		}
		if e.state.DataLocked {
			e.Violations = append(e.Violations, "lock data")
			return fmt.Errorf("data zone: %w", ErrLocked)
		}
		e.state.DataLocked = true
		e.Ops = append(e.Ops, "lock data")
	default:
		return fmt.Errorf("unsupported zone %v", zone)
	}
	return nil
}

// LockSlot locks a single data slot.
func (e *Element) LockSlot(slot uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready("lockslot"); err != nil {
		return err
	}
	if int(slot) >= element.NumSlots {
		return fmt.Errorf("invalid slot %d", slot)
	}
	if !e.state.DataLocked {
		return errors.New("slot lock requires a locked data zone")
	}
	if e.state.SlotLocked[slot] {
		e.Violations = append(e.Violations, fmt.Sprintf("lock slot %d", slot))
		return fmt.Errorf("slot %d: %w", slot, ErrLocked)
	}
	e.state.SlotLocked[slot] = true
	e.Ops = append(e.Ops, fmt.Sprintf("lock slot %d", slot))
	return nil
}

// IsLocked returns the zone lock state.
func (e *Element) IsLocked(zone element.Zone) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready("islocked"); err != nil {
		return false, err
	}
	switch zone {
	case element.ZoneConfig:
		return e.state.ConfigLocked, nil
	case element.ZoneData:
		return e.state.DataLocked, nil
	}
	return false, fmt.Errorf("unsupported zone %v", zone)
}

// IsSlotLocked returns the slot lock state.
func (e *Element) IsSlotLocked(slot uint16) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready("isslotlocked"); err != nil {
		return false, err
	}
	if int(slot) >= element.NumSlots {
		return false, fmt.Errorf("invalid slot %d", slot)
	}
	return e.state.SlotLocked[slot], nil
}

// ReadPublicKey returns the unpadded public key stored in slot.
func (e *Element) ReadPublicKey(slot uint16) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready("pubkey"); err != nil {
		return nil, err
	}
	if int(slot) >= element.NumSlots {
		return nil, fmt.Errorf("invalid slot %d", slot)
	}
	buf := make([]byte, paddedKeyLength)
	copy(buf, e.state.Slots[slot])

	key := make([]byte, 0, element.PublicKeySize)
	key = append(key, buf[4:36]...)
	key = append(key, buf[40:72]...)
	return key, nil
}
