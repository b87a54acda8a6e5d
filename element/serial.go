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

package element

import "fmt"

// SerialSize is the length of the device serial number.
const SerialSize = 9

// Serial returns the device serial number, stored in configuration bytes
// 0-3 and 8-12.
func Serial(r Reader) ([]byte, error) {
	b, err := r.ReadZone(ZoneConfig, 0, 0, 13)
	if err != nil {
		return nil, err
	}
	if len(b) != 13 {
		return nil, fmt.Errorf("short config read (%d bytes)", len(b))
	}
	sn := make([]byte, 0, SerialSize)
	sn = append(sn, b[0:4]...)
	sn = append(sn, b[8:13]...)
	return sn, nil
}
