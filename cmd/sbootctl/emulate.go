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

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sboot/element"
	"github.com/transparency-dev/armored-sboot/internal/appmem"
	"github.com/transparency-dev/armored-sboot/internal/binding"
	"github.com/transparency-dev/armored-sboot/internal/emu"
	"github.com/transparency-dev/armored-sboot/internal/iokey"
	"github.com/transparency-dev/armored-sboot/internal/provision"
	"github.com/transparency-dev/armored-sboot/internal/sboot"
	"github.com/transparency-dev/armored-sboot/internal/verify"
	"github.com/transparency-dev/armored-sboot/nvm"
)

// Profile describes an emulated device.
type Profile struct {
	// State is the element and fuse state file.
	State string `yaml:"state"`
	// Flash is the flash image file.
	Flash string `yaml:"flash"`
	// PublicKey is the PEM secure boot public key provisioned to the
	// element, the demo key when empty.
	PublicKey string `yaml:"public_key"`
	// AllowProvisioning overrides the build default.
	AllowProvisioning *bool `yaml:"allow_provisioning"`
	// SecureBootMode is the mode written to the element configuration.
	SecureBootMode string `yaml:"secure_boot_mode"`
	// Layout overrides the default application layout.
	Layout *nvm.Layout `yaml:"layout"`

	dir string
}

func loadProfile(path string) (*Profile, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	p := &Profile{dir: filepath.Dir(path)}

	if err = yaml.Unmarshal(buf, p); err != nil {
		return nil, fmt.Errorf("invalid profile %q: %v", path, err)
	}

	if p.State == "" || p.Flash == "" {
		return nil, errors.New("profile requires state and flash files")
	}

	if p.Layout != nil {
		if err = p.Layout.Validate(); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Profile) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(p.dir, name)
}

func (p *Profile) layout() nvm.Layout {
	if p.Layout != nil {
		return *p.Layout
	}
	return nvm.DefaultLayout()
}

func (p *Profile) publicKey() ([element.PublicKeySize]byte, error) {
	if p.PublicKey == "" {
		return provision.DemoPublicKey, nil
	}

	buf, err := os.ReadFile(p.path(p.PublicKey))
	if err != nil {
		return [element.PublicKeySize]byte{}, err
	}

	pub, err := parsePublicKey(buf)
	if err != nil {
		return [element.PublicKeySize]byte{}, err
	}

	return verify.PublicKey(pub), nil
}

func boot(p *Profile, image string) error {
	l := p.layout()

	d, err := emu.Load(p.path(p.State), p.path(p.Flash), int(l.PageSize))
	if err != nil {
		return err
	}

	if image != "" {
		buf, err := os.ReadFile(image)
		if err != nil {
			return err
		}
		if err = d.Flash.Load(l.AppStart(), buf); err != nil {
			return fmt.Errorf("failed to program image: %v", err)
		}
		klog.Infof("Programmed %d bytes @ %#x", len(buf), l.AppStart())
	}

	pub, err := p.publicKey()
	if err != nil {
		return err
	}

	b := sboot.NewPlatform(sboot.Platform{
		NVM:       d.Flash,
		Element:   d.Element,
		Layout:    l,
		PublicKey: pub,
	})

	if pr, ok := b.Provisioner.(*provision.Provisioner); ok && p.SecureBootMode != "" {
		m, err := provision.ParseSecureBootMode(p.SecureBootMode)
		if err != nil {
			return err
		}
		pr.Image = pr.Image.WithSecureBootMode(m)
	}

	if p.AllowProvisioning != nil {
		b.AllowProvisioning = *p.AllowProvisioning
	}

	runErr := b.Run()

	klog.Infof("Boot pass: %v", b.History())

	// irreversible transitions persist whatever the outcome
	if err = d.Save(p.path(p.State), p.path(p.Flash)); err != nil {
		return fmt.Errorf("failed to save device state: %v", err)
	}

	return runErr
}

func status(p *Profile) (string, error) {
	l := p.layout()

	d, err := emu.Load(p.path(p.State), p.path(p.Flash), int(l.PageSize))
	if err != nil {
		return "", err
	}
	s := d.Element.State()

	fuses, err := d.Flash.Fuses()
	if err != nil {
		return "", err
	}

	k, err := iokey.NewStore(d.Flash, l).Key()
	if err != nil {
		return "", err
	}
	unbound := k.Unbound()
	k.Wipe()

	var img provision.Image
	copy(img[:], s.Config)
	slot := img.SecureBootKeySlot()

	b := &strings.Builder{}
	fmt.Fprintf(b, "Secure element\n")
	fmt.Fprintf(b, "  Address ............: %#02x\n", s.Address)
	fmt.Fprintf(b, "  Config zone ........: %s\n", element.LockState(s.ConfigLocked))
	fmt.Fprintf(b, "  Data zone ..........: %s\n", element.LockState(s.DataLocked))
	fmt.Fprintf(b, "  SecureBoot mode ....: %v\n", img.SecureBootMode())
	fmt.Fprintf(b, "  Public key slot %-2d .: %s\n", slot, element.LockState(s.SlotLocked[slot]))
	fmt.Fprintf(b, "  IO key slot %-2d .....: %s\n", binding.DefaultSlot, element.LockState(s.SlotLocked[binding.DefaultSlot]))
	fmt.Fprintf(b, "Host\n")
	fmt.Fprintf(b, "  IO key .............: %s\n", map[bool]string{true: "unbound", false: "bound"}[unbound])
	fmt.Fprintf(b, "  Bootloader region ..: %v\n", fuses.BootloaderSize)
	fmt.Fprintf(b, "  Security bit .......: %v\n", d.Flash.Secured())

	m := appmem.New(d.Flash, l, nil)
	if params, err := m.Init(); err != nil {
		fmt.Fprintf(b, "  Application ........: invalid (%v)\n", err)
	} else {
		fmt.Fprintf(b, "  Application ........: %d bytes, version %v\n", params.MemorySize, params.Version())
	}
	fmt.Fprintf(b, "  Update complete ....: %v\n", m.UpdateComplete())

	return b.String(), nil
}
