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

// Package emu provides in-memory emulations of the NVM controller and of the
// secure element, for tests and for host side emulation of a boot pass.
//
// Both emulations enforce the irreversible semantics of the real hardware:
// locked zones and slots reject writes, the security bit can only ever be
// set, and the protected bootloader region rejects writes once fused.
package emu

import (
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sboot/nvm"
)

// DefaultFlashSize is the flash size of the emulated MCU.
const DefaultFlashSize = 256 * 1024

// erased is the value of an erased flash byte.
const erased = 0xff

// ErrProtected is returned on writes to the fuse protected bootloader region.
var ErrProtected = errors.New("write to protected region")

// Flash is an in-memory NVM controller.
type Flash struct {
	mu sync.Mutex

	pageSize int
	mem      []byte
	fuses    nvm.Fuses
	config   nvm.Config
	secured  bool

	// SecurityBitSets counts security bit commands.
	SecurityBitSets int
	// FuseWrites counts fuse programming operations.
	FuseWrites int
	// Writes records the address of every page write or update.
	Writes []uint32

	// Inject, when set, is called before every operation with the operation
	// name ("config", "read", "write", "update", "fuses", "setfuses",
	// "execute") and target address, a non-nil return fails the operation.
	Inject func(op string, address uint32) error
}

// NewFlash returns an erased flash of the given size.
func NewFlash(size int, pageSize int) *Flash {
	f := &Flash{
		pageSize: pageSize,
		mem:      make([]byte, size),
		fuses:    nvm.DefaultFuses(),
	}
	for i := range f.mem {
		f.mem[i] = erased
	}
	return f
}

func (f *Flash) inject(op string, address uint32) error {
	if f.Inject == nil {
		return nil
	}
	return f.Inject(op, address)
}

func (f *Flash) bounds(address uint32, length int) error {
	if length < 0 || uint64(address)+uint64(length) > uint64(len(f.mem)) {
		return fmt.Errorf("access %#x+%d past end of flash (%#x)", address, length, len(f.mem))
	}
	return nil
}

// SetConfig records the controller settings.
func (f *Flash) SetConfig(cfg nvm.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.inject("config", 0); err != nil {
		return err
	}
	f.config = cfg
	return nil
}

// Config returns the last applied controller settings.
func (f *Flash) Config() nvm.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

// ReadPage reads length bytes at address.
func (f *Flash) ReadPage(address uint32, length int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.inject("read", address); err != nil {
		return nil, err
	}
	if err := f.bounds(address, length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	copy(buf, f.mem[address:])
	return buf, nil
}

func (f *Flash) write(address uint32, data []byte) error {
	if address%uint32(f.pageSize) != 0 {
		return fmt.Errorf("non page-aligned write at %#x", address)
	}
	if err := f.bounds(address, len(data)); err != nil {
		return err
	}
	if address < uint32(f.fuses.BootloaderSize.Bytes()) {
		return fmt.Errorf("%#x: %w", address, ErrProtected)
	}
	copy(f.mem[address:], data)
	f.Writes = append(f.Writes, address)
	return nil
}

// WritePage writes data at the page aligned address.
func (f *Flash) WritePage(address uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.inject("write", address); err != nil {
		return err
	}
	return f.write(address, data)
}

// UpdateRegion replaces length bytes at offset within the page at address.
func (f *Flash) UpdateRegion(address uint32, data []byte, offset int, length int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.inject("update", address); err != nil {
		return err
	}
	if offset < 0 || length > len(data) || offset+length > f.pageSize {
		return fmt.Errorf("invalid region update %d+%d in %d byte page", offset, length, f.pageSize)
	}
	if err := f.bounds(address, f.pageSize); err != nil {
		return err
	}
	page := make([]byte, f.pageSize)
	copy(page, f.mem[address:])
	copy(page[offset:], data[:length])
	return f.write(address, page)
}

// Fuses returns the fuse configuration.
func (f *Flash) Fuses() (nvm.Fuses, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.inject("fuses", nvm.AUX0Address); err != nil {
		return nvm.Fuses{}, err
	}
	return f.fuses, nil
}

// SetFuses programs the fuse configuration.
func (f *Flash) SetFuses(fuses nvm.Fuses) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.inject("setfuses", nvm.AUX0Address); err != nil {
		return err
	}
	if f.secured {
		return errors.New("user row is not writable with the security bit set")
	}
	f.fuses = fuses
	f.FuseWrites++
	klog.V(2).Infof("emu: fuses programmed, bootloader protection %v", fuses.BootloaderSize)
	return nil
}

// Execute issues a controller command.
func (f *Flash) Execute(cmd nvm.Command, target uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.inject("execute", target); err != nil {
		return err
	}
	switch cmd {
	case nvm.CommandSetSecurityBit:
		if target != nvm.AUX0Address {
			return fmt.Errorf("%v: invalid target %#x", cmd, target)
		}
		f.secured = true
		f.SecurityBitSets++
		klog.V(2).Info("emu: security bit set")
		return nil
	}
	return fmt.Errorf("unsupported command %v", cmd)
}

// Secured returns whether the security bit has been set.
func (f *Flash) Secured() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secured
}

// Load copies data into flash at address, bypassing fuse protection, as an
// external programmer would before the device is secured.
func (f *Flash) Load(address uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.secured {
		return errors.New("external access disabled by security bit")
	}
	if err := f.bounds(address, len(data)); err != nil {
		return err
	}
	copy(f.mem[address:], data)
	return nil
}

// Image returns a copy of the whole flash content.
func (f *Flash) Image() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.mem...)
}

// Restore replaces the flash content and fuse state, e.g. from a saved
// emulator state.
func (f *Flash) Restore(image []byte, fuses nvm.Fuses, secured bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(image) > len(f.mem) {
		return fmt.Errorf("image (%d bytes) larger than flash (%d bytes)", len(image), len(f.mem))
	}
	copy(f.mem, image)
	f.fuses = fuses
	f.secured = secured
	return nil
}
