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

package nvm

import "fmt"

const rowSize = 256

// BootloaderSize is the BOOTPROT fuse field, the number of flash rows at the
// bottom of the address space protected from writes.
type BootloaderSize uint8

// BOOTPROT field encoding, SAM D21 NVMCTRL user row
const (
	BootloaderSize128 BootloaderSize = iota
	BootloaderSize64
	BootloaderSize32
	BootloaderSize16
	BootloaderSize8
	BootloaderSize4
	BootloaderSize2
	BootloaderSize0
)

// Rows returns the number of protected rows.
func (b BootloaderSize) Rows() int {
	if b >= BootloaderSize0 {
		return 0
	}
	return 128 >> b
}

// Bytes returns the size of the protected region.
func (b BootloaderSize) Bytes() int {
	return b.Rows() * rowSize
}

func (b BootloaderSize) String() string {
	return fmt.Sprintf("%d rows (%d bytes)", b.Rows(), b.Bytes())
}

// Fuses represents the user row configuration of the NVM controller.
type Fuses struct {
	// BootloaderSize protects the bootloader region from writes.
	BootloaderSize BootloaderSize `yaml:"bootloader_size"`
	// EEPROMSize is the size of the emulated EEPROM area.
	EEPROMSize uint8 `yaml:"eeprom_size"`
	// BOD33Level is the brown out detector threshold.
	BOD33Level uint8 `yaml:"bod33_level"`
	// WDTEnable enables the watchdog at reset.
	WDTEnable bool `yaml:"wdt_enable"`
	// RegionLocks holds one lock bit per flash region.
	RegionLocks uint16 `yaml:"region_locks"`
}

// DefaultFuses mirrors the factory user row.
func DefaultFuses() Fuses {
	return Fuses{
		BootloaderSize: BootloaderSize0,
		EEPROMSize:     7,
		BOD33Level:     7,
		RegionLocks:    0xffff,
	}
}
