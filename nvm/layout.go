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

const (
	// DefaultAppStart is the application base address, right above a 128
	// row protected bootloader.
	DefaultAppStart = 0x8000
	// DefaultAppSize is the maximum application region size.
	DefaultAppSize = 24 * 1024
	// FooterSize is the size of the application footer.
	FooterSize = 128
	// MarkerSize is the length of the update completion marker.
	MarkerSize = 4
	// minPageSize fits the IO protection key in a single page.
	minPageSize = 16
)

// Layout describes the fixed addresses persisted around the application
// region. All addresses are derived from the application base address and
// the page size, changing any of them after deployment is overwhelmingly
// likely to result in a device which no longer boots.
type Layout struct {
	// PageSize is the NVM page size in bytes.
	PageSize uint32 `yaml:"page_size"`
	// AppBase is the configured application base address.
	AppBase uint32 `yaml:"app_base"`
	// AppSize is the maximum size of the application region.
	AppSize uint32 `yaml:"app_size"`
}

// DefaultLayout returns the layout used by the bootloader build.
func DefaultLayout() Layout {
	return Layout{
		PageSize: DefaultPageSize,
		AppBase:  DefaultAppStart,
		AppSize:  DefaultAppSize,
	}
}

// Validate checks that the layout is self-consistent.
func (l Layout) Validate() error {
	if l.PageSize < minPageSize {
		return fmt.Errorf("invalid layout: page size %d smaller than %d", l.PageSize, minPageSize)
	}
	if l.AppStart() < l.PageSize {
		return fmt.Errorf("invalid layout: no room for the IO protection key page below %#x", l.AppStart())
	}
	if l.AppSize < l.FooterSize() {
		return fmt.Errorf("invalid layout: application size (%d) smaller than footer (%d)", l.AppSize, l.FooterSize())
	}
	return nil
}

// AppStart returns the page aligned application start address.
func (l Layout) AppStart() uint32 {
	return (l.AppBase / l.PageSize) * l.PageSize
}

// AppEnd returns the address right after the application region.
func (l Layout) AppEnd() uint32 {
	return l.AppStart() + l.AppSize
}

// IOKeyAddress returns the address of the page reserved for the IO
// protection key, immediately below the application region.
func (l Layout) IOKeyAddress() uint32 {
	return (l.AppBase/l.PageSize - 1) * l.PageSize
}

// FooterSize returns the size of the application footer, independent of
// the page size.
func (l Layout) FooterSize() uint32 {
	return FooterSize
}

// FooterAddress returns the address of the application footer, at the end
// of the application region.
func (l Layout) FooterAddress() uint32 {
	return l.AppEnd() - l.FooterSize()
}

// MarkerAddress returns the address of the update completion marker.
func (l Layout) MarkerAddress() uint32 {
	return l.AppEnd()
}
