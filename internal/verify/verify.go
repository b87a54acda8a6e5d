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

// Package verify implements the secure boot check of the application image:
// a P-256 ECDSA signature, over the SHA-256 digest of the image, verified
// against the public key locked in the secure element.
package verify

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"io"
	"math/big"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sboot/element"
	"github.com/transparency-dev/armored-sboot/fault"
	"github.com/transparency-dev/armored-sboot/internal/appmem"
	"github.com/transparency-dev/armored-sboot/internal/provision"
	"github.com/transparency-dev/armored-sboot/nvm"
)

// ErrBadSignature is returned when the image signature does not verify.
var ErrBadSignature = errors.New("invalid application signature")

// Verifier authenticates the application image.
type Verifier struct {
	Memory  *appmem.Manager
	Element element.Reader
	// ChunkSize is the read size used while hashing the image.
	ChunkSize int
}

// New returns a verifier reading the image in NVM page sized chunks.
func New(m *appmem.Manager, e element.Reader) *Verifier {
	return &Verifier{
		Memory:    m,
		Element:   e,
		ChunkSize: nvm.DefaultPageSize,
	}
}

// Verify authenticates the application image and, on success, records the
// update as complete if it was not already.
func (v *Verifier) Verify() (err error) {
	params, err := v.Memory.Init()
	if err != nil {
		return
	}
	defer v.Memory.Deinit()

	pub, err := v.publicKey()
	if err != nil {
		return
	}

	h := sha256.New()

	if _, err = io.CopyBuffer(h, v.Memory, make([]byte, v.ChunkSize)); err != nil {
		return fault.Wrap(fault.StorageFault, "hash application", err)
	}

	r := new(big.Int).SetBytes(params.Signature[:32])
	s := new(big.Int).SetBytes(params.Signature[32:])

	if !ecdsa.Verify(pub, h.Sum(nil), r, s) {
		return fault.New(fault.IntegrityFault, "verify application", ErrBadSignature)
	}

	klog.Infof("application signature verified (version %v, %d bytes)", params.Version(), params.MemorySize)

	if v.Memory.UpdateComplete() {
		return
	}

	klog.Info("completing application update")

	return v.Memory.MarkUpdateComplete()
}

func (v *Verifier) publicKey() (*ecdsa.PublicKey, error) {
	slot, err := provision.ReadKeySlot(v.Element)
	if err != nil {
		return nil, err
	}

	buf, err := v.Element.ReadPublicKey(slot)
	if err != nil {
		return nil, fault.New(fault.TransportFault, "read public key", err)
	}

	if len(buf) != element.PublicKeySize {
		return nil, fault.Errorf(fault.IntegrityFault, "read public key", "invalid length %d", len(buf))
	}

	if _, err = ecdh.P256().NewPublicKey(append([]byte{0x04}, buf...)); err != nil {
		return nil, fault.New(fault.IntegrityFault, "parse public key", err)
	}

	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(buf[:32]),
		Y:     new(big.Int).SetBytes(buf[32:]),
	}, nil
}
