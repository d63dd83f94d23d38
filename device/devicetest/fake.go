// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package devicetest provides a scripted in-memory Handle for feature package tests.

package devicetest

import (
	"github.com/dswarbrick/blockops/device"
)

// Fake implements device.Handle with caller-supplied command functions. Unset functions report
// ErrNotSupported, matching a transport without that command set.
type Fake struct {
	DeviceClass device.Class
	Block       uint32
	Max         uint64
	DeviceHints device.Hints

	// IdentifyData is returned by Identify. IdentifyFunc, when set, regenerates it on each
	// (uncached) read so stateful drive fakes can change their identify data.
	IdentifyData []byte
	IdentifyFunc func() []byte

	ATAFunc  func(*device.ATACmd) error
	SCSIFunc func(*device.SCSICmd) error
	NVMeFunc func(*device.NVMeCmd) error

	ResetCount int

	cached []byte
}

var _ device.Handle = (*Fake)(nil)

func (f *Fake) Class() device.Class { return f.DeviceClass }

func (f *Fake) BlockSize() uint32 {
	if f.Block == 0 {
		return 512
	}
	return f.Block
}

func (f *Fake) MaxLBA() uint64       { return f.Max }
func (f *Fake) Hints() device.Hints  { return f.DeviceHints }
func (f *Fake) InvalidateIdentify()  { f.cached = nil }
func (f *Fake) Close() error         { return nil }

func (f *Fake) Reset() error {
	f.ResetCount++
	return nil
}

func (f *Fake) Identify() ([]byte, error) {
	if f.cached != nil {
		return f.cached, nil
	}
	if f.IdentifyFunc != nil {
		f.cached = f.IdentifyFunc()
		return f.cached, nil
	}
	if f.IdentifyData != nil {
		f.cached = f.IdentifyData
		return f.cached, nil
	}
	return nil, device.ErrNotSupported
}

func (f *Fake) ATA(cmd *device.ATACmd) error {
	if f.ATAFunc == nil {
		return device.ErrNotSupported
	}
	return f.ATAFunc(cmd)
}

func (f *Fake) SCSI(cmd *device.SCSICmd) error {
	if f.SCSIFunc == nil {
		return device.ErrNotSupported
	}
	return f.SCSIFunc(cmd)
}

func (f *Fake) NVMe(cmd *device.NVMeCmd) error {
	if f.NVMeFunc == nil {
		return device.ErrNotSupported
	}
	return f.NVMeFunc(cmd)
}
