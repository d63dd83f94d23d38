// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package maxlba manages the accessible capacity of ATA drives through the stacked HPA / AMAC
// and DCO mechanisms. Restoring full capacity must peel the layers in order (HPA or AMAC first,
// then DCO), and both HPA and AMAC demand a power cycle between capacity changes, so a full
// restore can span several invocations with the caller power cycling in between.

package maxlba

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dswarbrick/blockops/ata"
	"github.com/dswarbrick/blockops/dco"
	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/scsi"
)

var log logrus.FieldLogger = logrus.StandardLogger().WithField("subsystem", "maxlba")

// SetLogger replaces the package logger.
func SetLogger(l logrus.FieldLogger) { log = l }

// NativeMax queries the drive's native max LBA through AMAC when supported, falling back to
// READ NATIVE MAX ADDRESS EXT.
func NativeMax(h device.Handle) (uint64, error) {
	raw, err := h.Identify()
	if err != nil {
		return 0, err
	}
	id := ata.Identify(raw)

	switch {
	case id.AMACSupported():
		cmd := device.ATACmd{
			Command:  ata.ATA_AMAC,
			Feature:  ata.AMAC_GET_NATIVE_MAX,
			Device:   0x40,
			Protocol: device.ATAProtocolNoData,
		}
		if err := h.ATA(&cmd); err != nil {
			return 0, err
		}
		if cmd.Failed() {
			return 0, fmt.Errorf("get native max address ext: %w", device.ErrFailure)
		}
		return cmd.RLBA, nil

	case id.HPASupported():
		cmd := device.ATACmd{
			Command:  ata.ATA_READ_NATIVE_MAX_ADDRESS_EXT,
			Device:   0x40,
			Protocol: device.ATAProtocolNoData,
		}
		if err := h.ATA(&cmd); err != nil {
			return 0, err
		}
		if cmd.Failed() {
			return 0, fmt.Errorf("read native max address ext: %w", device.ErrFailure)
		}
		return cmd.RLBA, nil
	}

	return 0, fmt.Errorf("neither HPA nor AMAC supported: %w", device.ErrNotSupported)
}

// SetMax sets the accessible max address. Volatile settings revert on the next power cycle
// (HPA only; AMAC configurations always persist). A drive with an active HPA security password
// aborts the command, reported as ErrAccessDenied.
func SetMax(h device.Handle, newMax uint64, volatileChange bool) error {
	raw, err := h.Identify()
	if err != nil {
		return err
	}
	id := ata.Identify(raw)

	var cmd device.ATACmd

	switch {
	case id.AMACSupported():
		cmd = device.ATACmd{
			Command:  ata.ATA_AMAC,
			Feature:  ata.AMAC_SET_ACCESSIBLE_MAX,
			LBA:      newMax,
			Device:   0x40,
			Protocol: device.ATAProtocolNoData,
		}

	case id.HPASupported():
		cmd = device.ATACmd{
			Command:  ata.ATA_SET_MAX_ADDRESS_EXT,
			LBA:      newMax,
			Device:   0x40,
			Protocol: device.ATAProtocolNoData,
		}
		if !volatileChange {
			cmd.Count = 1 // VV bit: value preserved across power cycles
		}

	default:
		return fmt.Errorf("neither HPA nor AMAC supported: %w", device.ErrNotSupported)
	}

	if err := h.ATA(&cmd); err != nil {
		return err
	}

	if cmd.Aborted() {
		if id.HPASecuritySupported() {
			return fmt.Errorf("set max address: HPA security active: %w", device.ErrAccessDenied)
		}
		// HPA and AMAC accept one capacity change per power cycle.
		return fmt.Errorf("set max address: %w", device.ErrPowerCycleRequired)
	}
	if cmd.Failed() {
		return fmt.Errorf("set max address: %w", device.ErrFailure)
	}

	h.InvalidateIdentify()

	return nil
}

// Restore walks the capacity layers back to native. Step one raises the HPA/AMAC max to the
// native max; if that changed anything the drive needs a power cycle before DCO can follow, so
// ErrPowerCycleRequired is returned and the caller re-invokes after the cycle. Step two issues
// a DCO restore when the DCO max still exceeds the current max.
func Restore(h device.Handle) error {
	raw, err := h.Identify()
	if err != nil {
		return err
	}
	current := ata.Identify(raw).MaxLBA()

	native, err := NativeMax(h)
	if err == nil && native >= current+1 {
		if err := SetMax(h, native, false); err != nil {
			return err
		}

		log.WithFields(map[string]interface{}{
			"previous": current,
			"native":   native,
		}).Debug("HPA/AMAC max restored")

		// A DCO restriction may still hide capacity, but HPA/AMAC demands its power cycle
		// before the next capacity change is accepted.
		if dcoHidesMore(h, native) {
			return fmt.Errorf("HPA restored, DCO restore pending: %w", device.ErrPowerCycleRequired)
		}

		return nil
	}

	dcoData, derr := dco.Identify(h)
	if derr == nil && dcoData.MaxLBA > current {
		if err := dco.Restore(h); err != nil {
			if errors.Is(err, device.ErrFailure) {
				// DCO restore aborts until the HPA/AMAC power cycle has happened.
				return fmt.Errorf("DCO restore: %w", device.ErrPowerCycleRequired)
			}
			return err
		}
		log.WithField("dco_max", dcoData.MaxLBA).Debug("DCO max restored")
	}

	return nil
}

func dcoHidesMore(h device.Handle, nativeMax uint64) bool {
	d, err := dco.Identify(h)
	return err == nil && d.MaxLBA > nativeMax
}

// SyncStatus compares the capacity the translator reports against the drive's own. After a
// capacity change a SAT layer may keep serving its cached max LBA; the two views legitimately
// differ by one block (translators reserve the last LBA), anything more is reported out of
// sync.
type SyncStatus struct {
	ATAMaxLBA  uint64
	SCSIMaxLBA uint64
	InSync     bool
}

// CheckTranslatorSync reads the max LBA both ways and compares. With reset allowed, a stale
// translator is reset once and re-checked.
func CheckTranslatorSync(h device.Handle, allowReset bool) (*SyncStatus, error) {
	if !h.Hints().SATLayer {
		return nil, fmt.Errorf("no translation layer present: %w", device.ErrNotSupported)
	}

	st, err := readSyncStatus(h)
	if err != nil {
		return nil, err
	}

	if !st.InSync && allowReset {
		log.Warn("translator capacity stale, attempting device reset")
		if err := h.Reset(); err == nil {
			h.InvalidateIdentify()
			if st2, err := readSyncStatus(h); err == nil {
				st = st2
			}
		}
	}

	if !st.InSync {
		return st, fmt.Errorf("translator reports max LBA %d, drive reports %d: %w",
			st.SCSIMaxLBA, st.ATAMaxLBA, device.ErrOutOfSync)
	}

	return st, nil
}

func readSyncStatus(h device.Handle) (*SyncStatus, error) {
	h.InvalidateIdentify()
	raw, err := h.Identify()
	if err != nil {
		return nil, err
	}

	st := &SyncStatus{ATAMaxLBA: ata.Identify(raw).MaxLBA()}

	lastLBA, _, err := scsi.ReadCapacity10(h)
	if err != nil {
		return nil, err
	}
	if lastLBA == 0xffffffff {
		if lastLBA, _, err = scsi.ReadCapacity16(h); err != nil {
			return nil, err
		}
	}
	st.SCSIMaxLBA = lastLBA

	diff := int64(st.ATAMaxLBA) - int64(st.SCSIMaxLBA)
	if diff < 0 {
		diff = -diff
	}
	st.InSync = diff <= 1

	return st, nil
}
