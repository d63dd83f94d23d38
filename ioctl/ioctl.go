// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Implementation of Linux kernel ioctl macros (<uapi/asm-generic/ioctl.h>).
// See https://www.kernel.org/doc/Documentation/ioctl/ioctl-number.txt

package ioctl

import "syscall"

const (
	typeBits   = 8
	numberBits = 8
	sizeBits   = 14
	dirBits    = 2

	numberShift = 0
	typeShift   = numberShift + numberBits
	sizeShift   = typeShift + typeBits
	dirShift    = sizeShift + sizeBits

	dirNone  = 0
	dirWrite = 1
	dirRead  = 2
)

func ioc(dir, t, nr, size uintptr) uintptr {
	return (dir << dirShift) | (t << typeShift) | (nr << numberShift) | (size << sizeShift)
}

// Io calculates the ioctl command for an ioctl with no data transfer.
func Io(t, nr uintptr) uintptr {
	return ioc(dirNone, t, nr, 0)
}

// Ior calculates the ioctl command for a read-ioctl of the specified type, number and size.
func Ior(t, nr, size uintptr) uintptr {
	return ioc(dirRead, t, nr, size)
}

// Iow calculates the ioctl command for a write-ioctl of the specified type, number and size.
func Iow(t, nr, size uintptr) uintptr {
	return ioc(dirWrite, t, nr, size)
}

// Iowr calculates the ioctl command for a read-write-ioctl of the specified type, number and size.
func Iowr(t, nr, size uintptr) uintptr {
	return ioc(dirRead|dirWrite, t, nr, size)
}

// Ioctl executes an ioctl command on the specified file descriptor.
func Ioctl(fd, cmd, ptr uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, cmd, ptr)
	if errno != 0 {
		return errno
	}
	return nil
}
