// Copyright 2024 The gVisor Authors.
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

package mdev

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrorKind classifies errors returned by the mediator.
type ErrorKind int

// Error kinds.
const (
	// KindMappingFailed is a pin or DMA-map failure. Partial side effects
	// have always been unwound when it is returned.
	KindMappingFailed ErrorKind = iota + 1

	// KindNotFound is a release or pin of an address the cache never
	// created, or that has already been destroyed.
	KindNotFound

	// KindOutOfRange is an invalid region index or in-region offset/length.
	KindOutOfRange

	// KindPermissionDenied is a write to a read-only region.
	KindPermissionDenied

	// KindAddressUnresolvable is a guest frame with no backing page.
	KindAddressUnresolvable

	// KindDeviceGone is an operation attempted after teardown.
	KindDeviceGone

	// KindInvalidArgument is a malformed request.
	KindInvalidArgument
)

var kindNames = map[ErrorKind]string{
	KindMappingFailed:       "mapping failed",
	KindNotFound:            "not found",
	KindOutOfRange:          "out of range",
	KindPermissionDenied:    "permission denied",
	KindAddressUnresolvable: "address unresolvable",
	KindDeviceGone:          "device gone",
	KindInvalidArgument:     "invalid argument",
}

// String implements fmt.Stringer.String.
func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown error"
}

// Error is a mediator error. Sentinel values below are compared with
// errors.Is; returned errors usually wrap a sentinel together with the
// collaborator's error, if any.
type Error struct {
	Kind  ErrorKind
	Errno unix.Errno
}

// Error implements error.Error.
func (e *Error) Error() string {
	return "mdev: " + e.Kind.String()
}

// Sentinel errors, one per ErrorKind.
var (
	ErrMappingFailed       = &Error{Kind: KindMappingFailed, Errno: unix.EIO}
	ErrNotFound            = &Error{Kind: KindNotFound, Errno: unix.ENOENT}
	ErrOutOfRange          = &Error{Kind: KindOutOfRange, Errno: unix.EINVAL}
	ErrPermissionDenied    = &Error{Kind: KindPermissionDenied, Errno: unix.EPERM}
	ErrAddressUnresolvable = &Error{Kind: KindAddressUnresolvable, Errno: unix.EFAULT}
	ErrDeviceGone          = &Error{Kind: KindDeviceGone, Errno: unix.ENODEV}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument, Errno: unix.EINVAL}
)

// KindOf returns the kind of the first mediator error in err's chain, or 0
// if err is nil or not a mediator error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ToErrno translates err into the errno an emulation frontend should report
// to the guest. Errors that are not mediator errors are reported as EIO,
// unless they are themselves errnos.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Errno
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// IsDeviceGone returns true if err reports that the binding was torn down.
// Frontends surface this as a hard disconnect of the whole device.
func IsDeviceGone(err error) bool {
	return errors.Is(err, ErrDeviceGone)
}

// PinError is returned by PinnedPageMapper.Pin when only a prefix of the
// requested range could be pinned. Pinned pages starting at the beginning of
// the range are pinned and must be unpinned by the caller.
type PinError struct {
	Pinned uint64
	Err    error
}

// Error implements error.Error.
func (e *PinError) Error() string {
	return "partial pin: " + e.Err.Error()
}

// Unwrap returns the underlying pin failure.
func (e *PinError) Unwrap() error {
	return e.Err
}
