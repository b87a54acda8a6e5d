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

// Package appmem gives the boot path read-only access to the application
// image: footer parsing and validation, cursor based reads and the update
// completion marker.
package appmem

import (
	"bytes"
	"errors"
	"io"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sboot/fault"
	"github.com/transparency-dev/armored-sboot/nvm"
)

// InvalidCursor is the read cursor value of a manager which failed, or has
// not completed, initialization.
const InvalidCursor = 0xffffffff

// UpdateMarker is written at the end of the application region once an
// updated image has been verified.
var UpdateMarker = [nvm.MarkerSize]byte{'U', 'P', 'D', 'T'}

// ErrReadOnly is returned on any write, the application is only written by
// the image flashing flow.
var ErrReadOnly = errors.New("application memory is read-only")

// Guard is the binding decision run once during initialization.
type Guard interface {
	Ensure() (bool, error)
}

// Manager reads the application image.
type Manager struct {
	dev    nvm.Device
	layout nvm.Layout
	guard  Guard

	params MemoryParameters
	cursor uint32
}

// New returns a manager for the application region of the given layout. A
// nil guard skips the binding decision.
func New(dev nvm.Device, l nvm.Layout, guard Guard) *Manager {
	return &Manager{
		dev:    dev,
		layout: l,
		guard:  guard,
		cursor: InvalidCursor,
	}
}

// Init configures the NVM controller, runs the binding decision and reads
// and validates the application footer. On success the cursor points at the
// application start.
func (m *Manager) Init() (p *MemoryParameters, err error) {
	defer func() {
		if err != nil {
			m.cursor = InvalidCursor
		}
	}()

	if err = m.dev.SetConfig(nvm.Config{WaitStates: 1}); err != nil {
		return nil, fault.New(fault.StorageFault, "configure NVM", err)
	}

	if m.guard != nil {
		if _, err = m.guard.Ensure(); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, 0, m.layout.FooterSize())
	addr := m.layout.FooterAddress()

	for off := uint32(0); off < m.layout.FooterSize(); off += m.layout.PageSize {
		n := min(m.layout.PageSize, m.layout.FooterSize()-off)

		page, err := m.dev.ReadPage(addr+off, int(n))
		if err != nil {
			return nil, fault.New(fault.StorageFault, "read footer", err)
		}
		if len(page) != int(n) {
			return nil, fault.Errorf(fault.StorageFault, "read footer", "short read (%d < %d)", len(page), n)
		}
		buf = append(buf, page...)
	}

	var params MemoryParameters

	if err = params.UnmarshalBinary(buf); err != nil {
		return nil, fault.New(fault.LayoutFault, "parse footer", err)
	}

	if params.MemorySize < SignatureSize {
		return nil, fault.Errorf(fault.LayoutFault, "validate footer", "size %d smaller than signature", params.MemorySize)
	}

	params.MemorySize -= SignatureSize

	if params.StartAddress != m.layout.AppStart() {
		return nil, fault.Errorf(fault.LayoutFault, "validate footer", "start address %#x, expected %#x", params.StartAddress, m.layout.AppStart())
	}

	if params.MemorySize > m.layout.AppSize {
		return nil, fault.Errorf(fault.LayoutFault, "validate footer", "size %d exceeds application region (%d)", params.MemorySize, m.layout.AppSize)
	}

	klog.V(2).Infof("application @ %#x, %d bytes, version %v", params.StartAddress, params.MemorySize, params.Version())

	m.params = params
	m.cursor = params.StartAddress

	return &params, nil
}

// Params returns the parameters read by the last successful Init.
func (m *Manager) Params() MemoryParameters {
	return m.params
}

// Cursor returns the current read cursor.
func (m *Manager) Cursor() uint32 {
	return m.cursor
}

// ReadN reads length bytes at the cursor and advances it.
func (m *Manager) ReadN(length int) ([]byte, error) {
	if m.cursor == InvalidCursor {
		return nil, fault.Errorf(fault.LayoutFault, "read", "invalid cursor")
	}

	buf, err := m.dev.ReadPage(m.cursor, length)
	if err != nil {
		return nil, fault.New(fault.StorageFault, "read", err)
	}
	if len(buf) != length {
		return nil, fault.Errorf(fault.StorageFault, "read", "got %d bytes, want %d", len(buf), length)
	}

	m.cursor += uint32(len(buf))

	return buf, nil
}

// Read implements io.Reader over the application image, excluding its
// signature. It returns io.EOF at the end of the image.
func (m *Manager) Read(p []byte) (int, error) {
	if m.cursor == InvalidCursor {
		return 0, fault.Errorf(fault.LayoutFault, "read", "invalid cursor")
	}

	end := m.params.StartAddress + m.params.MemorySize
	if m.cursor >= end {
		return 0, io.EOF
	}

	n := len(p)
	if rem := int(end - m.cursor); n > rem {
		n = rem
	}

	buf, err := m.ReadN(n)
	if err != nil {
		return 0, err
	}

	return copy(p, buf), nil
}

// Write always fails with ErrReadOnly.
func (m *Manager) Write(_ []byte) (int, error) {
	return 0, fault.New(fault.PolicyFault, "write", ErrReadOnly)
}

// MarkUpdateComplete writes the update completion marker.
func (m *Manager) MarkUpdateComplete() error {
	addr := m.layout.MarkerAddress()
	page := addr / m.layout.PageSize * m.layout.PageSize

	klog.V(2).Infof("writing update marker @ %#x", addr)

	if err := m.dev.UpdateRegion(page, UpdateMarker[:], int(addr-page), len(UpdateMarker)); err != nil {
		return fault.New(fault.StorageFault, "write update marker", err)
	}

	return nil
}

// UpdateComplete returns whether the update completion marker is present,
// read failures are reported as an absent marker.
func (m *Manager) UpdateComplete() bool {
	buf, err := m.dev.ReadPage(m.layout.MarkerAddress(), len(UpdateMarker))
	if err != nil {
		klog.V(2).Infof("update marker read failed: %v", err)
		return false
	}
	return bytes.Equal(buf, UpdateMarker[:])
}

// Deinit invalidates the cursor.
func (m *Manager) Deinit() {
	m.cursor = InvalidCursor
}
