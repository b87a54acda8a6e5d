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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sboot/internal/appmem"
	"github.com/transparency-dev/armored-sboot/internal/verify"
	"github.com/transparency-dev/armored-sboot/nvm"
)

const generatedKeyFile = "generated_key.pem"

func sign(keyPath, in, out, version string, l nvm.Layout) error {
	if in == "" || out == "" {
		return errors.New("missing input or output file")
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid version: %v", err)
	}

	packed, err := appmem.PackVersion(*v)
	if err != nil {
		return err
	}

	priv, err := loadOrGenerateKey(keyPath)
	if err != nil {
		return err
	}

	app, err := readWithProgress(in)
	if err != nil {
		return err
	}

	img, err := verify.Sign(priv, app, l, packed)
	if err != nil {
		return err
	}

	klog.Infof("Signed %d byte application, version %v", len(app), v)

	return os.WriteFile(out, img, 0o644)
}

func readWithProgress(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	bar := pb.Full.Start64(fi.Size())
	defer bar.Finish()

	return io.ReadAll(bar.NewProxyReader(f))
}

func loadOrGenerateKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		klog.Infof("No signing key given, generating %q", generatedKeyFile)
		return generateKey(generatedKeyFile)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return parsePrivateKey(buf)
}

func generateKey(path string) (*ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}

	if err = os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return nil, err
	}

	return priv, nil
}

func parsePrivateKey(buf []byte) (*ecdsa.PrivateKey, error) {
	b, _ := pem.Decode(buf)
	if b == nil {
		return nil, errors.New("no PEM block found")
	}

	if k, err := x509.ParsePKCS8PrivateKey(b.Bytes); err == nil {
		priv, ok := k.(*ecdsa.PrivateKey)
		if !ok || priv.Curve != elliptic.P256() {
			return nil, errors.New("not a P-256 key")
		}
		return priv, nil
	}

	priv, err := x509.ParseECPrivateKey(b.Bytes)
	if err != nil {
		return nil, err
	}
	if priv.Curve != elliptic.P256() {
		return nil, errors.New("not a P-256 key")
	}
	return priv, nil
}

func parsePublicKey(buf []byte) (*ecdsa.PublicKey, error) {
	b, _ := pem.Decode(buf)
	if b == nil {
		return nil, errors.New("no PEM block found")
	}

	k, err := x509.ParsePKIXPublicKey(b.Bytes)
	if err != nil {
		return nil, err
	}

	pub, ok := k.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, errors.New("not a P-256 key")
	}
	return pub, nil
}
