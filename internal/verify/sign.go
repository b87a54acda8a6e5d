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

package verify

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/transparency-dev/armored-sboot/element"
	"github.com/transparency-dev/armored-sboot/internal/appmem"
	"github.com/transparency-dev/armored-sboot/nvm"
)

// Sign returns the signed image of app for the application region of l: the
// application padded with erased flash up to the footer, the footer carrying
// start, size, version and the signature, and an erased marker area.
func Sign(priv *ecdsa.PrivateKey, app []byte, l nvm.Layout, version uint32) ([]byte, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	footerOffset := int(l.FooterAddress() - l.AppStart())

	if len(app) > footerOffset {
		return nil, fmt.Errorf("application (%d bytes) exceeds available space (%d bytes)", len(app), footerOffset)
	}

	buf := bytes.Repeat([]byte{0xff}, int(l.AppSize)+appmem.SignatureSize)
	copy(buf, app)

	p := appmem.MemoryParameters{
		StartAddress: l.AppStart(),
		MemorySize:   l.AppSize,
		VersionInfo:  version,
	}

	footer, err := p.MarshalBinary()
	if err != nil {
		return nil, err
	}

	sigOffset := footerOffset + appmem.FooterSize - appmem.SignatureSize
	copy(buf[footerOffset:sigOffset], footer)

	digest := sha256.Sum256(buf[:sigOffset])

	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, err
	}

	r.FillBytes(buf[sigOffset : sigOffset+32])
	s.FillBytes(buf[sigOffset+32 : sigOffset+64])

	return buf, nil
}

// PublicKey returns the raw X || Y encoding of pub.
func PublicKey(pub *ecdsa.PublicKey) (k [element.PublicKeySize]byte) {
	pub.X.FillBytes(k[:32])
	pub.Y.FillBytes(k[32:])
	return
}
