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

package iokey

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-sboot/fault"
	"github.com/transparency-dev/armored-sboot/internal/emu"
	"github.com/transparency-dev/armored-sboot/nvm"
)

func TestKeyErasedPageIsUnbound(t *testing.T) {
	f := emu.NewFlash(emu.DefaultFlashSize, nvm.DefaultPageSize)
	s := NewStore(f, nvm.DefaultLayout())

	k, err := s.Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if !k.Unbound() {
		t.Fatalf("erased key page %x not reported as unbound", k)
	}
}

func TestSetKey(t *testing.T) {
	f := emu.NewFlash(emu.DefaultFlashSize, nvm.DefaultPageSize)
	l := nvm.DefaultLayout()
	s := NewStore(f, l)

	want := Key{0: 0x01, 7: 0x42, 15: 0xff}
	if err := s.SetKey(want); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	got, err := s.Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if got != want {
		t.Fatalf("Got key %x, want %x", got, want)
	}
	if got.Unbound() {
		t.Fatal("stored key reported as unbound")
	}

	page, err := f.ReadPage(l.IOKeyAddress(), int(l.PageSize))
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if diff := cmp.Diff(make([]byte, int(l.PageSize)-Size), page[Size:]); diff != "" {
		t.Fatalf("key page tail not zero filled: %s", diff)
	}
}

func TestStoreAddress(t *testing.T) {
	l := nvm.DefaultLayout()
	s := NewStore(emu.NewFlash(emu.DefaultFlashSize, nvm.DefaultPageSize), l)
	if got, want := s.Address(), uint32(nvm.DefaultAppStart-nvm.DefaultPageSize); got != want {
		t.Fatalf("Got key page @ %#x, want %#x", got, want)
	}
}

func TestStorageFaults(t *testing.T) {
	errBus := errors.New("flash controller busy")
	for _, test := range []struct {
		name string
		op   string
		do   func(s *Store) error
	}{
		{
			name: "read",
			op:   "read",
			do: func(s *Store) error {
				_, err := s.Key()
				return err
			},
		}, {
			name: "write",
			op:   "write",
			do: func(s *Store) error {
				return s.SetKey(Key{})
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := emu.NewFlash(emu.DefaultFlashSize, nvm.DefaultPageSize)
			f.Inject = func(op string, _ uint32) error {
				if op == test.op {
					return errBus
				}
				return nil
			}
			err := test.do(NewStore(f, nvm.DefaultLayout()))
			if !errors.Is(err, fault.StorageFault) {
				t.Fatalf("Got %v, want storage fault", err)
			}
			if !errors.Is(err, errBus) {
				t.Fatalf("Got %v, want cause %v", err, errBus)
			}
		})
	}
}

func TestWipe(t *testing.T) {
	k := unbound
	k.Wipe()
	if k != (Key{}) {
		t.Fatalf("Got %x after Wipe, want zeroes", k)
	}
}

// truncatingFlash returns at most n bytes from every read.
type truncatingFlash struct {
	*emu.Flash
	n int
}

func (f truncatingFlash) ReadPage(address uint32, length int) ([]byte, error) {
	b, err := f.Flash.ReadPage(address, length)
	if err != nil || len(b) <= f.n {
		return b, err
	}
	return b[:f.n], nil
}

func TestShortKeyRead(t *testing.T) {
	for _, n := range []int{0, 1, Size - 1} {
		t.Run(fmt.Sprintf("%d bytes", n), func(t *testing.T) {
			f := truncatingFlash{Flash: emu.NewFlash(emu.DefaultFlashSize, nvm.DefaultPageSize), n: n}
			_, err := NewStore(f, nvm.DefaultLayout()).Key()
			if !errors.Is(err, fault.StorageFault) {
				t.Fatalf("Got %v, want storage fault", err)
			}
		})
	}
}
