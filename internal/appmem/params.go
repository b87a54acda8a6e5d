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

package appmem

import (
	"encoding/binary"
	"fmt"

	"github.com/coreos/go-semver/semver"

	"github.com/transparency-dev/armored-sboot/nvm"
)

const (
	// FooterSize is the size of the serialized MemoryParameters.
	FooterSize = nvm.FooterSize
	// SignatureSize is the size of the raw r || s image signature.
	SignatureSize = 64

	reservedSize    = FooterSize - SignatureSize - 12
	signatureOffset = FooterSize - SignatureSize
)

// MemoryParameters is the application footer, stored little endian in the
// last two pages of the application region.
type MemoryParameters struct {
	// StartAddress is the application load address.
	StartAddress uint32
	// MemorySize is the application size. Once read by the Manager it
	// excludes the signature.
	MemorySize uint32
	// VersionInfo is the packed application version.
	VersionInfo uint32
	Reserved    [reservedSize]byte
	// Signature is the P-256 ECDSA signature (r || s) over the application.
	Signature [SignatureSize]byte
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *MemoryParameters) MarshalBinary() ([]byte, error) {
	buf := make([]byte, FooterSize)

	binary.LittleEndian.PutUint32(buf[0:], p.StartAddress)
	binary.LittleEndian.PutUint32(buf[4:], p.MemorySize)
	binary.LittleEndian.PutUint32(buf[8:], p.VersionInfo)
	copy(buf[12:], p.Reserved[:])
	copy(buf[signatureOffset:], p.Signature[:])

	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *MemoryParameters) UnmarshalBinary(buf []byte) error {
	if len(buf) < FooterSize {
		return fmt.Errorf("invalid footer length (%d < %d)", len(buf), FooterSize)
	}

	p.StartAddress = binary.LittleEndian.Uint32(buf[0:])
	p.MemorySize = binary.LittleEndian.Uint32(buf[4:])
	p.VersionInfo = binary.LittleEndian.Uint32(buf[8:])
	copy(p.Reserved[:], buf[12:signatureOffset])
	copy(p.Signature[:], buf[signatureOffset:FooterSize])

	return nil
}

// Version returns the unpacked application version.
func (p *MemoryParameters) Version() semver.Version {
	return semver.Version{
		Major: int64(p.VersionInfo >> 24),
		Minor: int64((p.VersionInfo >> 16) & 0xff),
		Patch: int64(p.VersionInfo & 0xffff),
	}
}

// PackVersion packs v as major<<24 | minor<<16 | patch, pre-release and
// metadata are discarded.
func PackVersion(v semver.Version) (uint32, error) {
	if v.Major < 0 || v.Major > 0xff || v.Minor < 0 || v.Minor > 0xff || v.Patch < 0 || v.Patch > 0xffff {
		return 0, fmt.Errorf("version %v out of range", v)
	}
	return uint32(v.Major)<<24 | uint32(v.Minor)<<16 | uint32(v.Patch), nil
}
