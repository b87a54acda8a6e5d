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

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLayoutValidate(t *testing.T) {
	for _, test := range []struct {
		name    string
		l       Layout
		wantErr bool
	}{
		{name: "default", l: DefaultLayout()},
		{name: "128 byte pages", l: Layout{PageSize: 128, AppBase: DefaultAppStart, AppSize: DefaultAppSize}},
		{name: "256 byte pages", l: Layout{PageSize: 256, AppBase: DefaultAppStart, AppSize: DefaultAppSize}},
		{name: "zero page size", l: Layout{AppBase: DefaultAppStart, AppSize: DefaultAppSize}, wantErr: true},
		{name: "page smaller than key", l: Layout{PageSize: 8, AppBase: DefaultAppStart, AppSize: DefaultAppSize}, wantErr: true},
		{name: "no key page", l: Layout{PageSize: 64, AppBase: 0x20, AppSize: DefaultAppSize}, wantErr: true},
		{name: "region smaller than footer", l: Layout{PageSize: 64, AppBase: DefaultAppStart, AppSize: FooterSize - 1}, wantErr: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := test.l.Validate(); (err != nil) != test.wantErr {
				t.Fatalf("Validate: %v, wantErr %v", err, test.wantErr)
			}
		})
	}
}

func TestLayoutAddresses(t *testing.T) {
	type addrs struct {
		IOKey, Footer, Marker uint32
	}
	for _, test := range []struct {
		pageSize uint32
		want     addrs
	}{
		{pageSize: 64, want: addrs{IOKey: 0x7fc0, Footer: 0xdf80, Marker: 0xe000}},
		{pageSize: 128, want: addrs{IOKey: 0x7f80, Footer: 0xdf80, Marker: 0xe000}},
		{pageSize: 256, want: addrs{IOKey: 0x7f00, Footer: 0xdf80, Marker: 0xe000}},
	} {
		l := Layout{PageSize: test.pageSize, AppBase: DefaultAppStart, AppSize: DefaultAppSize}
		got := addrs{IOKey: l.IOKeyAddress(), Footer: l.FooterAddress(), Marker: l.MarkerAddress()}
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("page size %d: addresses diff (-want +got):\n%s", test.pageSize, diff)
		}
	}
}
