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

// Package fault defines the error taxonomy of the secure boot pass.
//
// Every error leaving the boot core carries exactly one Kind, callers test for
// it with errors.Is:
//
//	if errors.Is(err, fault.IntegrityFault) {
//		// never retry
//	}
//
// There is no degraded mode: any fault results in the bootloader refusing to
// start the application.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a boot failure.
type Kind int

const (
	// TransportFault is a secure element bus failure, retried (if at all) only
	// by the transport layer.
	TransportFault Kind = iota + 1
	// StorageFault is an NVM read, write or fuse access failure.
	StorageFault
	// IntegrityFault is a read-back or signature verification mismatch, it
	// implies corruption or tampering and is never retried.
	IntegrityFault
	// PolicyFault is an operation attempted against a forbidden precondition.
	PolicyFault
	// LayoutFault is an application footer failing bounds or identity
	// validation.
	LayoutFault
)

func (k Kind) String() string {
	switch k {
	case TransportFault:
		return "transport fault"
	case StorageFault:
		return "storage fault"
	case IntegrityFault:
		return "integrity fault"
	case PolicyFault:
		return "policy fault"
	case LayoutFault:
		return "layout fault"
	}
	return fmt.Sprintf("fault(%d)", int(k))
}

// Error implements error so that a Kind can be used as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// Error is a classified boot failure.
type Error struct {
	// Kind is the failure class.
	Kind Kind
	// Op names the operation which failed.
	Op string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the Kind of this error.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an error of the given kind wrapping err.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns an error of the given kind with a formatted cause.
func Errorf(kind Kind, op string, format string, a ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, a...)}
}

// Wrap classifies err as kind unless it already carries a Kind, in which case
// the original classification is preserved. Wrap returns nil for a nil err.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != 0 {
		return err
	}
	return New(kind, op, err)
}

// KindOf returns the Kind carried by err, or zero if err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return 0
}
