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

// The sbootctl tool signs application images for the secure bootloader and
// emulates boot passes on a host, only useful for development work.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sboot/nvm"
)

var (
	doSign   = flag.Bool("sign", false, "Sign an application image.")
	doBoot   = flag.Bool("boot", false, "Run a boot pass on the emulated device.")
	doStatus = flag.Bool("status", false, "Print the emulated device state.")

	keyFile    = flag.String("key", "", "PEM P-256 private key to sign with, generated when missing.")
	inFile     = flag.String("in", "", "Application binary to sign.")
	outFile    = flag.String("out", "", "File to write the signed image to.")
	appVersion = flag.String("version", "1.0.0", "Application version.")

	profileFile = flag.String("profile", "sboot.yaml", "Emulated device profile.")
	imageFile   = flag.String("image", "", "Signed image to program before the boot pass.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	switch {
	case *doSign:
		l := nvm.DefaultLayout()
		// sign for the profile layout when there is one
		switch p, err := loadProfile(*profileFile); {
		case err == nil:
			l = p.layout()
		case !errors.Is(err, fs.ErrNotExist):
			klog.Exitf("Failed to load profile: %v", err)
		}
		if err := sign(*keyFile, *inFile, *outFile, *appVersion, l); err != nil {
			klog.Exitf("Failed to sign %q: %v", *inFile, err)
		}
		klog.Infof("Wrote signed image to %q", *outFile)
	case *doBoot:
		p, err := loadProfile(*profileFile)
		if err != nil {
			klog.Exitf("Failed to load profile: %v", err)
		}
		if err := boot(p, *imageFile); err != nil {
			klog.Exitf("Boot failed: %v", err)
		}
	case *doStatus:
		p, err := loadProfile(*profileFile)
		if err != nil {
			klog.Exitf("Failed to load profile: %v", err)
		}
		s, err := status(p)
		if err != nil {
			klog.Exitf("Failed to read device state: %v", err)
		}
		fmt.Print(s)
	default:
		flag.PrintDefaults()
	}
}
