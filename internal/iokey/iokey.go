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

// Package iokey stores the host copy of the IO protection key, shared
// between the host and the secure element, in the NVM page reserved right
// below the application region.
package iokey

import (
	"crypto/subtle"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sboot/fault"
	"github.com/transparency-dev/armored-sboot/nvm"
)

// Size is the IO protection key length.
const Size = 16

// Key is an IO protection key.
type Key [Size]byte

// unbound is the content of an erased key page: the host has never been
// bound to a secure element.
var unbound = Key{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// Unbound returns whether k is the sentinel of a host without a key.
func (k *Key) Unbound() bool {
	return subtle.ConstantTimeCompare(k[:], unbound[:]) == 1
}

// Wipe zeroes the key.
func (k *Key) Wipe() {
	clear(k[:])
}

// Store reads and writes the IO protection key page.
type Store struct {
	dev      nvm.ReadWriter
	address  uint32
	pageSize int
}

// NewStore returns a key store for the key page of the given layout.
func NewStore(dev nvm.ReadWriter, l nvm.Layout) *Store {
	return &Store{
		dev:      dev,
		address:  l.IOKeyAddress(),
		pageSize: int(l.PageSize),
	}
}

// Address returns the address of the key page.
func (s *Store) Address() uint32 {
	return s.address
}

// Key reads the IO protection key.
//
// Callers must Wipe the returned key as soon as it is no longer needed.
func (s *Store) Key() (k Key, err error) {
	buf, err := s.dev.ReadPage(s.address, Size)
	if err != nil {
		return k, fault.New(fault.StorageFault, "read IO protection key", err)
	}
	defer clear(buf)

	if len(buf) != Size {
		return k, fault.Errorf(fault.StorageFault, "read IO protection key", "got %d bytes, want %d", len(buf), Size)
	}
	copy(k[:], buf)

	return
}

// SetKey writes the IO protection key.
//
// The key occupies the first Size bytes of the page, the rest of the page is
// zero filled.
func (s *Store) SetKey(k Key) (err error) {
	page := make([]byte, s.pageSize)
	defer clear(page)

	copy(page, k[:])

	klog.V(2).Infof("writing IO protection key page @ %#x", s.address)

	if err = s.dev.WritePage(s.address, page); err != nil {
		return fault.New(fault.StorageFault, "write IO protection key", err)
	}

	return
}
