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

package emu

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-sboot/nvm"
)

// HexBytes is a byte slice persisted as a hex string.
type HexBytes []byte

// MarshalYAML implements yaml.Marshaler.
func (h HexBytes) MarshalYAML() (interface{}, error) {
	return hex.EncodeToString(h), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *HexBytes) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("line %d: %v", value.Line, err)
	}
	*h = b
	return nil
}

// State is the persistent state of an emulated device, other than the flash
// content itself.
type State struct {
	Element ElementState `yaml:"element"`
	Fuses   nvm.Fuses    `yaml:"fuses"`
	Secured bool         `yaml:"secured"`
}

// Device is an emulated MCU with its secure element.
type Device struct {
	Flash   *Flash
	Element *Element
}

// NewDevice returns a factory fresh device with an erased flash of the given
// page size.
func NewDevice(pageSize int) *Device {
	return &Device{
		Flash:   NewFlash(DefaultFlashSize, pageSize),
		Element: NewElement(FactoryState()),
	}
}

// Load restores a device with the given flash page size from a state file
// and a flash image file. A missing state file yields a factory fresh
// device.
func Load(statePath, imagePath string, pageSize int) (*Device, error) {
	d := NewDevice(pageSize)

	s := State{
		Element: FactoryState(),
		Fuses:   nvm.DefaultFuses(),
	}
	buf, err := os.ReadFile(statePath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(buf, &s); err != nil {
			return nil, fmt.Errorf("invalid state %q: %v", statePath, err)
		}
	}

	img, err := os.ReadFile(imagePath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := d.Flash.Restore(img, s.Fuses, s.Secured); err != nil {
		return nil, err
	}
	d.Element = NewElement(s.Element)

	return d, nil
}

// Save persists the device state and flash image.
func (d *Device) Save(statePath, imagePath string) error {
	fuses, err := d.Flash.Fuses()
	if err != nil {
		return err
	}
	s := State{
		Element: d.Element.State(),
		Fuses:   fuses,
		Secured: d.Flash.Secured(),
	}
	buf, err := yaml.Marshal(&s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(statePath, buf, 0o644); err != nil {
		return err
	}
	return os.WriteFile(imagePath, d.Flash.Image(), 0o644)
}
