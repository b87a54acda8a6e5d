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
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/coreos/go-semver/semver"
	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-sboot/fault"
	"github.com/transparency-dev/armored-sboot/internal/emu"
	"github.com/transparency-dev/armored-sboot/nvm"
)

type fakeGuard struct {
	calls int
	err   error
}

func (g *fakeGuard) Ensure() (bool, error) {
	g.calls++
	return false, g.err
}

func loadFooter(t *testing.T, f *emu.Flash, l nvm.Layout, p MemoryParameters) {
	t.Helper()
	buf, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if err := f.Load(l.FooterAddress(), buf); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestInit(t *testing.T) {
	l := nvm.DefaultLayout()

	for _, test := range []struct {
		desc     string
		params   MemoryParameters
		wantKind fault.Kind
		wantSize uint32
	}{
		{
			desc:     "full region",
			params:   MemoryParameters{StartAddress: l.AppStart(), MemorySize: l.AppSize, VersionInfo: 0x01020003},
			wantSize: l.AppSize - SignatureSize,
		},
		{
			desc:     "small image",
			params:   MemoryParameters{StartAddress: l.AppStart(), MemorySize: 1024},
			wantSize: 1024 - SignatureSize,
		},
		{
			desc:     "signature only",
			params:   MemoryParameters{StartAddress: l.AppStart(), MemorySize: SignatureSize},
			wantSize: 0,
		},
		{
			desc:     "wrong start",
			params:   MemoryParameters{StartAddress: l.AppStart() + l.PageSize, MemorySize: 1024},
			wantKind: fault.LayoutFault,
		},
		{
			desc:     "too large",
			params:   MemoryParameters{StartAddress: l.AppStart(), MemorySize: l.AppSize + SignatureSize + 1},
			wantKind: fault.LayoutFault,
		},
		{
			desc:     "smaller than signature",
			params:   MemoryParameters{StartAddress: l.AppStart(), MemorySize: SignatureSize - 1},
			wantKind: fault.LayoutFault,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			f := emu.NewFlash(emu.DefaultFlashSize, nvm.DefaultPageSize)
			loadFooter(t, f, l, test.params)
			g := &fakeGuard{}
			m := New(f, l, g)

			p, err := m.Init()
			if g.calls != 1 {
				t.Errorf("Got %d binding decisions, want 1", g.calls)
			}
			if test.wantKind != 0 {
				if !errors.Is(err, test.wantKind) {
					t.Fatalf("Got %v, want %v", err, test.wantKind)
				}
				if got := m.Cursor(); got != InvalidCursor {
					t.Errorf("Got cursor %#x after failure, want %#x", got, InvalidCursor)
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			if got := p.MemorySize; got != test.wantSize {
				t.Errorf("Got size %d, want %d", got, test.wantSize)
			}
			if got, want := m.Cursor(), l.AppStart(); got != want {
				t.Errorf("Got cursor %#x, want %#x", got, want)
			}
			if got, want := f.Config(), (nvm.Config{WaitStates: 1}); got != want {
				t.Errorf("Got NVM config %+v, want %+v", got, want)
			}
		})
	}
}

func TestInitFaults(t *testing.T) {
	l := nvm.DefaultLayout()
	errGuard := fault.New(fault.PolicyFault, "bind", errors.New("foreign host"))

	for _, test := range []struct {
		desc      string
		injectOp  string
		guardErr  error
		wantKind  fault.Kind
		wantGuard int
	}{
		{
			desc:     "NVM config",
			injectOp: "config",
			wantKind: fault.StorageFault,
		},
		{
			desc:      "footer read",
			injectOp:  "read",
			wantKind:  fault.StorageFault,
			wantGuard: 1,
		},
		{
			desc:      "binding",
			guardErr:  errGuard,
			wantKind:  fault.PolicyFault,
			wantGuard: 1,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			f := emu.NewFlash(emu.DefaultFlashSize, nvm.DefaultPageSize)
			loadFooter(t, f, l, MemoryParameters{StartAddress: l.AppStart(), MemorySize: 1024})
			f.Inject = func(op string, _ uint32) error {
				if op == test.injectOp {
					return errors.New("NVM busy")
				}
				return nil
			}
			g := &fakeGuard{err: test.guardErr}

			m := New(f, l, g)
			if _, err := m.Init(); !errors.Is(err, test.wantKind) {
				t.Fatalf("Got %v, want %v", err, test.wantKind)
			}
			if g.calls != test.wantGuard {
				t.Errorf("Got %d binding decisions, want %d", g.calls, test.wantGuard)
			}
			if got := m.Cursor(); got != InvalidCursor {
				t.Errorf("Got cursor %#x, want %#x", got, InvalidCursor)
			}
		})
	}
}

func TestRead(t *testing.T) {
	l := nvm.DefaultLayout()
	f := emu.NewFlash(emu.DefaultFlashSize, nvm.DefaultPageSize)

	img := make([]byte, 200)
	for i := range img {
		img[i] = byte(i)
	}
	if err := f.Load(l.AppStart(), img); err != nil {
		t.Fatalf("Load: %v", err)
	}
	loadFooter(t, f, l, MemoryParameters{StartAddress: l.AppStart(), MemorySize: uint32(len(img)) + SignatureSize})

	m := New(f, l, nil)

	if _, err := m.ReadN(4); !errors.Is(err, fault.LayoutFault) {
		t.Fatalf("ReadN before Init: got %v, want LayoutFault", err)
	}

	if _, err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	b, err := m.ReadN(10)
	if err != nil {
		t.Fatalf("ReadN: %v", err)
	}
	if diff := cmp.Diff(img[:10], b); diff != "" {
		t.Errorf("ReadN (-want +got):\n%s", diff)
	}
	if got, want := m.Cursor(), l.AppStart()+10; got != want {
		t.Errorf("Got cursor %#x, want %#x", got, want)
	}

	rest, err := io.ReadAll(m)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if diff := cmp.Diff(img[10:], rest); diff != "" {
		t.Errorf("ReadAll (-want +got):\n%s", diff)
	}
	if got, want := m.Cursor(), l.AppStart()+uint32(len(img)); got != want {
		t.Errorf("Got cursor %#x at EOF, want %#x", got, want)
	}

	m.Deinit()
	if _, err := m.Read(make([]byte, 1)); !errors.Is(err, fault.LayoutFault) {
		t.Errorf("Read after Deinit: got %v, want LayoutFault", err)
	}
}

func TestReadFailureKeepsCursor(t *testing.T) {
	l := nvm.DefaultLayout()
	f := emu.NewFlash(emu.DefaultFlashSize, nvm.DefaultPageSize)
	loadFooter(t, f, l, MemoryParameters{StartAddress: l.AppStart(), MemorySize: 1024})

	m := New(f, l, nil)
	if _, err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	f.Inject = func(op string, _ uint32) error {
		if op == "read" {
			return errors.New("ECC error")
		}
		return nil
	}
	if _, err := m.ReadN(16); !errors.Is(err, fault.StorageFault) {
		t.Fatalf("Got %v, want StorageFault", err)
	}
	if got, want := m.Cursor(), l.AppStart(); got != want {
		t.Errorf("Got cursor %#x, want %#x", got, want)
	}
}

func TestWrite(t *testing.T) {
	m := New(emu.NewFlash(emu.DefaultFlashSize, nvm.DefaultPageSize), nvm.DefaultLayout(), nil)
	n, err := m.Write([]byte{1})
	if n != 0 || !errors.Is(err, fault.PolicyFault) || !errors.Is(err, ErrReadOnly) {
		t.Errorf("Write = %d, %v, want 0, ErrReadOnly", n, err)
	}
}

func TestUpdateMarker(t *testing.T) {
	l := nvm.DefaultLayout()
	f := emu.NewFlash(emu.DefaultFlashSize, nvm.DefaultPageSize)

	// neighbouring bytes in the marker page must survive
	page := bytes.Repeat([]byte{0xa5}, int(l.PageSize))
	if err := f.Load(l.MarkerAddress(), page); err != nil {
		t.Fatalf("Load: %v", err)
	}

	m := New(f, l, nil)
	if m.UpdateComplete() {
		t.Fatal("marker reported on a fresh page")
	}
	if err := m.MarkUpdateComplete(); err != nil {
		t.Fatalf("MarkUpdateComplete: %v", err)
	}
	if !m.UpdateComplete() {
		t.Fatal("marker not reported after MarkUpdateComplete")
	}

	got, err := f.ReadPage(l.MarkerAddress(), int(l.PageSize))
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	copy(page, UpdateMarker[:])
	if diff := cmp.Diff(page, got); diff != "" {
		t.Errorf("marker page (-want +got):\n%s", diff)
	}

	f.Inject = func(op string, _ uint32) error {
		if op == "read" {
			return errors.New("NVM busy")
		}
		return nil
	}
	if m.UpdateComplete() {
		t.Error("marker reported despite read failure")
	}
}

func TestUpdateMarkerSingleByteDiffers(t *testing.T) {
	l := nvm.DefaultLayout()

	for i := range UpdateMarker {
		t.Run(fmt.Sprintf("byte %d", i), func(t *testing.T) {
			f := emu.NewFlash(emu.DefaultFlashSize, nvm.DefaultPageSize)
			marker := UpdateMarker
			marker[i] ^= 0x20
			if err := f.Load(l.MarkerAddress(), marker[:]); err != nil {
				t.Fatalf("Load: %v", err)
			}

			if New(f, l, nil).UpdateComplete() {
				t.Errorf("marker %q reported as complete", marker[:])
			}
		})
	}
}

// oversizedFlash returns extra trailing bytes from reads once armed.
type oversizedFlash struct {
	*emu.Flash
	extra int
}

func (f *oversizedFlash) ReadPage(address uint32, length int) ([]byte, error) {
	b, err := f.Flash.ReadPage(address, length)
	if err != nil {
		return nil, err
	}
	return append(b, make([]byte, f.extra)...), nil
}

func TestReadLengthMismatch(t *testing.T) {
	l := nvm.DefaultLayout()
	f := &oversizedFlash{Flash: emu.NewFlash(emu.DefaultFlashSize, nvm.DefaultPageSize)}
	loadFooter(t, f.Flash, l, MemoryParameters{StartAddress: l.AppStart(), MemorySize: 1024})

	m := New(f, l, nil)
	if _, err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	f.extra = 3
	if _, err := m.ReadN(16); !errors.Is(err, fault.StorageFault) {
		t.Fatalf("ReadN: got %v, want StorageFault", err)
	}
	if n, err := m.Read(make([]byte, 16)); n != 0 || !errors.Is(err, fault.StorageFault) {
		t.Fatalf("Read = %d, %v, want 0, StorageFault", n, err)
	}
	if got, want := m.Cursor(), l.AppStart(); got != want {
		t.Errorf("Got cursor %#x, want %#x", got, want)
	}

	// the footer must be read in full too
	if _, err := m.Init(); !errors.Is(err, fault.StorageFault) {
		t.Errorf("Init: got %v, want StorageFault", err)
	}
}

func TestVersion(t *testing.T) {
	v := *semver.New("2.17.301")
	packed, err := PackVersion(v)
	if err != nil {
		t.Fatalf("PackVersion: %v", err)
	}
	if got, want := packed, uint32(0x0211012d); got != want {
		t.Errorf("Got %#x, want %#x", got, want)
	}

	p := MemoryParameters{VersionInfo: packed}
	if got := p.Version(); !got.Equal(v) {
		t.Errorf("Got version %v, want %v", got, v)
	}

	if _, err := PackVersion(*semver.New("256.0.0")); err == nil {
		t.Error("PackVersion(256.0.0) succeeded")
	}
}

func TestFooterLayout(t *testing.T) {
	p := MemoryParameters{StartAddress: 0x8000, MemorySize: 0x6000, VersionInfo: 0x01000000}
	p.Signature[0] = 0xaa
	p.Signature[SignatureSize-1] = 0xbb

	buf, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != FooterSize {
		t.Fatalf("Got %d byte footer, want %d", len(buf), FooterSize)
	}
	want := []byte{0x00, 0x80, 0x00, 0x00, 0x00, 0x60, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
	if diff := cmp.Diff(want, buf[:12]); diff != "" {
		t.Errorf("header (-want +got):\n%s", diff)
	}
	if buf[FooterSize-SignatureSize] != 0xaa || buf[FooterSize-1] != 0xbb {
		t.Errorf("signature misplaced: %x", buf[FooterSize-SignatureSize:])
	}
}
