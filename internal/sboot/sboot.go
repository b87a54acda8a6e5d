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

// Package sboot runs the secure boot pass: secure element discovery,
// provisioning, host binding and application verification.
//
// The pass runs once, before anything else, and is fail-closed: any error
// means the application must not be started.
package sboot

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sboot/element"
	"github.com/transparency-dev/armored-sboot/fault"
	"github.com/transparency-dev/armored-sboot/internal/appmem"
	"github.com/transparency-dev/armored-sboot/internal/binding"
	"github.com/transparency-dev/armored-sboot/internal/iokey"
	"github.com/transparency-dev/armored-sboot/internal/provision"
	"github.com/transparency-dev/armored-sboot/internal/verify"
	"github.com/transparency-dev/armored-sboot/nvm"
)

var (
	// ErrElementNotFound is returned when no secure element answers at any
	// of the discovery addresses.
	ErrElementNotFound = errors.New("secure element not found")
	// ErrProvisioningDisabled is returned for an unprovisioned element when
	// provisioning is not allowed.
	ErrProvisioningDisabled = errors.New("provisioning disabled")
	// ErrAlreadyRun is returned on any Run call but the first.
	ErrAlreadyRun = errors.New("secure boot pass already run")
)

// State is a secure boot pass state.
type State int

const (
	Idle State = iota
	Discovering
	Provisioned
	Unprovisioned
	Bound
	AlreadyBound
	Verifying
	Passed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Discovering:
		return "Discovering"
	case Provisioned:
		return "Provisioned"
	case Unprovisioned:
		return "Unprovisioned"
	case Bound:
		return "Bound"
	case AlreadyBound:
		return "AlreadyBound"
	case Verifying:
		return "Verifying"
	case Passed:
		return "Passed"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Provisioner provisions the secure element reachable through cfg, updating
// cfg if the element address changes.
type Provisioner interface {
	LoadConfiguration(cfg *element.Config) error
}

// Binding takes the host binding decision, returning whether binding took
// place.
type Binding interface {
	Ensure() (bool, error)
}

// Verifier authenticates the application.
type Verifier interface {
	Verify() error
}

// Boot is a secure boot pass.
type Boot struct {
	Element element.Element
	// Config is the element connection configuration, its address is set
	// during discovery.
	Config element.Config
	// Addresses lists the discovery addresses, in order.
	Addresses []uint8

	Provisioner Provisioner
	Binding     Binding
	Verifier    Verifier

	// AllowProvisioning permits provisioning of an unprovisioned element.
	AllowProvisioning bool

	state   State
	history []State
}

// New returns a boot pass with the default connection configuration and
// discovery order.
func New(e element.Element, p Provisioner, b Binding, v Verifier) *Boot {
	return &Boot{
		Element:           e,
		Config:            element.DefaultConfig(),
		Addresses:         element.DiscoveryOrder,
		Provisioner:       p,
		Binding:           b,
		Verifier:          v,
		AllowProvisioning: ProvisioningEnabled,
	}
}

// Platform is the hardware of a boot pass.
type Platform struct {
	NVM     nvm.Device
	Element element.Element
	Layout  nvm.Layout
	// PublicKey is the secure boot public key provisioned to the element.
	PublicKey [element.PublicKeySize]byte
}

// NewPlatform returns a boot pass wired to p, with the reference binding
// and verification.
//
// The binding decision is shared between the boot pass and the application
// memory initialization, so that it is taken once.
func NewPlatform(p Platform) *Boot {
	keys := iokey.NewStore(p.NVM, p.Layout)
	lock := binding.New(keys, &binding.KeyBinder{Element: p.Element, Keys: keys}, p.NVM)
	mem := appmem.New(p.NVM, p.Layout, lock)

	return New(p.Element, provision.New(p.Element, p.PublicKey), lock, verify.New(mem, p.Element))
}

// State returns the current state.
func (b *Boot) State() State {
	return b.state
}

// History returns the states entered so far.
func (b *Boot) History() []State {
	return append([]State(nil), b.history...)
}

func (b *Boot) enter(s State) {
	klog.V(2).Infof("secure boot: %v -> %v", b.state, s)
	b.state = s
	b.history = append(b.history, s)
}

// Run executes the boot pass, a nil error means the application can be
// started.
func (b *Boot) Run() (err error) {
	if b.state != Idle {
		return fault.New(fault.PolicyFault, "run", ErrAlreadyRun)
	}

	if err = b.run(); err != nil {
		klog.Errorf("secure boot failed (%v): %v", b.state, err)
		b.enter(Failed)
		return
	}

	b.enter(Passed)
	klog.Info("secure boot passed")

	return
}

func (b *Boot) run() (err error) {
	b.enter(Discovering)

	if err = b.discover(); err != nil {
		return
	}

	slot, err := provision.ReadKeySlot(b.Element)
	if err != nil {
		return
	}

	locked, err := b.Element.IsSlotLocked(slot)
	if err != nil {
		return fault.New(fault.TransportFault, "query key slot lock", err)
	}

	if locked {
		b.enter(Provisioned)
	} else {
		b.enter(Unprovisioned)

		if !b.AllowProvisioning {
			return fault.New(fault.PolicyFault, "provision", ErrProvisioningDisabled)
		}

		klog.Infof("secure boot public key slot %d unlocked, provisioning", slot)

		if err = b.Provisioner.LoadConfiguration(&b.Config); err != nil {
			return
		}
	}

	bound, err := b.Binding.Ensure()
	if err != nil {
		return
	}

	if bound {
		b.enter(Bound)
	} else {
		b.enter(AlreadyBound)
	}

	b.enter(Verifying)

	return b.Verifier.Verify()
}

func (b *Boot) discover() error {
	for _, addr := range b.Addresses {
		b.Config.Address = addr

		if err := b.Element.Connect(b.Config); err != nil {
			klog.V(2).Infof("no secure element at %#02x: %v", addr, err)
			continue
		}

		klog.Infof("secure element found at %#02x", addr)
		return nil
	}

	return fault.New(fault.TransportFault, "discover", ErrElementNotFound)
}
