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

// Package binding ties the host MCU to its secure element.
//
// An unbound host (erased IO protection key page) has the key generated and
// shared with the element, then protects the bootloader region with the
// BOOTPROT fuses and finally sets the security bit. The security bit
// permanently disables external access to flash, it is always the last step
// of the sequence. Any failure aborts the sequence and nothing is rolled
// back: a partially bound device surfaces as a fatal error for an operator to
// inspect.
package binding

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sboot/fault"
	"github.com/transparency-dev/armored-sboot/internal/iokey"
	"github.com/transparency-dev/armored-sboot/nvm"
)

// DefaultSlot is the secure element slot holding the IO protection key.
const DefaultSlot = 6

// Outcome is the result of the binding decision.
type Outcome int

const (
	// Pending means the decision has not been taken yet.
	Pending Outcome = iota
	// Bound means the host was bound during this boot pass.
	Bound
	// AlreadyBound means the host held a key already.
	AlreadyBound
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "Pending"
	case Bound:
		return "Bound"
	case AlreadyBound:
		return "AlreadyBound"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Binder generates and shares an IO protection key with the secure element.
//
// Bind must fail if the element slot is already locked with a key from a
// different host.
type Binder interface {
	Bind(slot uint16) error
}

// Lockdown runs the binding decision of a boot pass.
type Lockdown struct {
	// Keys is the host IO protection key store.
	Keys *iokey.Store
	// Binder shares a new key with the secure element.
	Binder Binder
	// Fuses controls the NVM user row and security bit.
	Fuses nvm.FuseController
	// Slot is the secure element slot of the IO protection key.
	Slot uint16
	// ProtectedSize is the BOOTPROT setting applied once bound.
	ProtectedSize nvm.BootloaderSize

	once    sync.Once
	outcome Outcome
	err     error
}

// New returns a Lockdown for the default key slot, protecting the whole
// region below the application.
func New(keys *iokey.Store, binder Binder, fuses nvm.FuseController) *Lockdown {
	return &Lockdown{
		Keys:          keys,
		Binder:        binder,
		Fuses:         fuses,
		Slot:          DefaultSlot,
		ProtectedSize: nvm.BootloaderSize128,
	}
}

// Ensure binds the host to the secure element unless it already is, and
// returns whether binding took place.
//
// The decision is taken once, later calls return the outcome of the first.
func (l *Lockdown) Ensure() (bool, error) {
	l.once.Do(func() {
		l.err = l.ensure()
	})
	return l.outcome == Bound, l.err
}

// Outcome returns the binding decision taken so far.
func (l *Lockdown) Outcome() Outcome {
	return l.outcome
}

func (l *Lockdown) ensure() error {
	k, err := l.Keys.Key()
	if err != nil {
		return err
	}
	unbound := k.Unbound()
	k.Wipe()

	if !unbound {
		klog.V(2).Info("IO protection key present")
		l.outcome = AlreadyBound
		return nil
	}

	klog.Infof("IO protection key not set, binding to secure element slot %d", l.Slot)

	if err = l.Binder.Bind(l.Slot); err != nil {
		return fault.Wrap(fault.PolicyFault, "bind", err)
	}

	fuses, err := l.Fuses.Fuses()
	if err != nil {
		return fault.New(fault.StorageFault, "read fuses", err)
	}

	fuses.BootloaderSize = l.ProtectedSize

	klog.Warningf("protecting bootloader region, %v", l.ProtectedSize)

	if err = l.Fuses.SetFuses(fuses); err != nil {
		return fault.New(fault.StorageFault, "write fuses", err)
	}

	klog.Warning("setting security bit, external flash access will be disabled")

	if err = l.Fuses.Execute(nvm.CommandSetSecurityBit, nvm.AUX0Address); err != nil {
		return fault.New(fault.StorageFault, "set security bit", err)
	}

	l.outcome = Bound

	return nil
}
