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

// Package nvm describes the non-volatile memory controller consumed by the
// secure boot core: page granular flash access, the fuse row and the
// privileged controller commands.
//
// The interfaces are split by capability so that components only receive the
// access they need, and so that tests can substitute an emulated controller
// which tracks fuse and security bit transitions.
package nvm

import "fmt"

// DefaultPageSize is the NVM controller page size in bytes.
const DefaultPageSize = 64

// AUX0Address is the base address of the user row, the target of the
// security bit command.
const AUX0Address = 0x804000

// Command is a privileged NVM controller command.
type Command uint8

const (
	// CommandSetSecurityBit permanently disables external read/write access
	// to the protected address range.
	//
	// *WARNING*: this is a one-time irreversible operation.
	CommandSetSecurityBit Command = 0x45
)

func (c Command) String() string {
	switch c {
	case CommandSetSecurityBit:
		return "SSB"
	}
	return fmt.Sprintf("CMD(%#x)", uint8(c))
}

// Config holds the NVM controller settings applied before any flash access.
type Config struct {
	// WaitStates is the number of flash read wait states.
	WaitStates uint8
	// ManualPageWrite disables automatic page write on the last word of a
	// page buffer.
	ManualPageWrite bool
}

// Reader provides page granular flash reads.
type Reader interface {
	// ReadPage reads length bytes starting at address.
	ReadPage(address uint32, length int) ([]byte, error)
}

// Writer provides page granular flash writes.
type Writer interface {
	// WritePage writes data starting at the page aligned address.
	WritePage(address uint32, data []byte) error
	// UpdateRegion performs a read-modify-write of the page at address,
	// replacing length bytes at offset with the leading bytes of data.
	UpdateRegion(address uint32, data []byte, offset int, length int) error
}

// ReadWriter groups Reader and Writer.
type ReadWriter interface {
	Reader
	Writer
}

// FuseController provides access to the fuse row and privileged commands.
type FuseController interface {
	// Fuses returns the current fuse configuration.
	Fuses() (Fuses, error)
	// SetFuses programs the fuse configuration.
	SetFuses(f Fuses) error
	// Execute issues a privileged controller command against target.
	Execute(cmd Command, target uint32) error
}

// Device is the full NVM controller interface.
type Device interface {
	ReadWriter
	FuseController

	// SetConfig applies controller settings.
	SetConfig(cfg Config) error
}
