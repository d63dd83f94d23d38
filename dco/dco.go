// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package dco drives the ATA Device Configuration Overlay feature set: reporting and reducing a
// drive's advertised capabilities and capacity. A DCO-restricted drive hides features and LBAs
// from everything above it, so every page write recomputes the integrity checksum and frozen
// state is mapped out of the command-abort noise.

package dco

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dswarbrick/blockops/ata"
	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/utils"
)

var log logrus.FieldLogger = logrus.StandardLogger().WithField("subsystem", "dco")

// SetLogger replaces the package logger.
func SetLogger(l logrus.FieldLogger) { log = l }

const pageSize = 512

// Data is the decoded DCO identify page. The feature booleans mirror the page's per-feature
// allow bits: true means the capability is advertised; setting one to false before Set disallows
// it. Bits the drive reports as zero stay zero regardless of the caller's value: DCO can only
// take capabilities away.
type Data struct {
	Revision uint16

	// Multiword DMA modes
	MWDMA0, MWDMA1, MWDMA2 bool
	// Ultra DMA modes
	UDMA0, UDMA1, UDMA2, UDMA3, UDMA4, UDMA5, UDMA6 bool

	MaxLBA uint64

	// Feature set one (word 7)
	SMARTFeature              bool
	SMARTSelfTest             bool
	SMARTErrorLog             bool
	Security                  bool
	PowerUpInStandby          bool
	ReadWriteDMAQueued        bool
	AutomaticAcousticMgmt     bool
	HostProtectedArea         bool
	FortyEightBitAddress      bool
	Streaming                 bool
	TimeLimitedCommands       bool
	ForceUnitAccess           bool
	SMARTSelectiveSelfTest    bool
	SMARTConveyanceSelfTest   bool
	WriteReadVerify           bool

	// SATA feature set (word 8)
	NCQ                          bool
	NonZeroBufferOffsets         bool
	InterfacePowerManagement     bool
	AsynchronousNotification     bool
	SoftwareSettingsPreservation bool

	// Feature set two (word 21)
	ExtendedPowerConditions bool
	DataSetManagement       bool
	FreeFall                bool
	TrustedComputing        bool
	WriteUncorrectable      bool
	NVCachePowerManagement  bool
	NVCache                 bool

	// ValidChecksum is false when the page failed its word-sum check; the decoded fields are
	// still populated from the page as returned.
	ValidChecksum bool
}

// Supported reports whether the DCO feature set is advertised, and whether the DMA variants of
// the identify/set commands are available.
func Supported(h device.Handle) (supported, dmaSupported bool, err error) {
	if h.Class() != device.ClassATA {
		return false, false, nil
	}

	raw, err := h.Identify()
	if err != nil {
		return false, false, err
	}
	id := ata.Identify(raw)

	if !id.DCOSupported() {
		return false, false, nil
	}

	return true, id.DCODMASupported() && h.Hints().DMAMode, nil
}

// dcoCmd issues one of the DCO subcommands. Data direction follows the feature value.
func dcoCmd(h device.Handle, feature uint8, data []byte) (*device.ATACmd, error) {
	cmd := device.ATACmd{
		Command:  ata.ATA_DCO,
		Feature:  uint16(feature),
		Protocol: device.ATAProtocolNoData,
		Data:     data,
	}

	switch feature {
	case ata.DCO_IDENTIFY:
		cmd.Protocol = device.ATAProtocolPIOIn
	case ata.DCO_SET:
		cmd.Protocol = device.ATAProtocolPIOOut
	case ata.DCO_IDENTIFY_DMA:
		cmd.Protocol = device.ATAProtocolDMAIn
	case ata.DCO_SET_DMA:
		cmd.Protocol = device.ATAProtocolDMAOut
	}

	if err := h.ATA(&cmd); err != nil {
		return nil, err
	}

	return &cmd, nil
}

func identifyFeature(dma bool) uint8 {
	if dma {
		return ata.DCO_IDENTIFY_DMA
	}
	return ata.DCO_IDENTIFY
}

func setFeature(dma bool) uint8 {
	if dma {
		return ata.DCO_SET_DMA
	}
	return ata.DCO_SET
}

// readPage issues DCO IDENTIFY and returns the raw page. Frozen drives abort the identify.
func readPage(h device.Handle, dma bool) ([]byte, error) {
	page := make([]byte, pageSize)

	cmd, err := dcoCmd(h, identifyFeature(dma), page)
	if err != nil {
		return nil, err
	}
	if cmd.Aborted() {
		return nil, fmt.Errorf("DCO identify: %w", device.ErrFrozen)
	}
	if cmd.Failed() {
		return nil, fmt.Errorf("DCO identify: %w", device.ErrFailure)
	}

	return page, nil
}

// parse decodes a raw DCO identify page.
func parse(page []byte) *Data {
	d := &Data{
		Revision:      utils.LE16(page[0:]),
		MaxLBA:        utils.LE64(page[6:]),
		ValidChecksum: utils.ValidATAWordSum(page),
	}

	mwdma := utils.LE16(page[2:])
	d.MWDMA0 = mwdma&(1<<0) != 0
	d.MWDMA1 = mwdma&(1<<1) != 0
	d.MWDMA2 = mwdma&(1<<2) != 0

	udma := utils.LE16(page[4:])
	d.UDMA0 = udma&(1<<0) != 0
	d.UDMA1 = udma&(1<<1) != 0
	d.UDMA2 = udma&(1<<2) != 0
	d.UDMA3 = udma&(1<<3) != 0
	d.UDMA4 = udma&(1<<4) != 0
	d.UDMA5 = udma&(1<<5) != 0
	d.UDMA6 = udma&(1<<6) != 0

	feat1 := utils.LE16(page[14:])
	d.SMARTFeature = feat1&(1<<0) != 0
	d.SMARTSelfTest = feat1&(1<<1) != 0
	d.SMARTErrorLog = feat1&(1<<2) != 0
	d.Security = feat1&(1<<3) != 0
	d.PowerUpInStandby = feat1&(1<<4) != 0
	d.ReadWriteDMAQueued = feat1&(1<<5) != 0
	d.AutomaticAcousticMgmt = feat1&(1<<6) != 0
	d.HostProtectedArea = feat1&(1<<7) != 0
	d.FortyEightBitAddress = feat1&(1<<8) != 0
	d.Streaming = feat1&(1<<9) != 0
	d.TimeLimitedCommands = feat1&(1<<10) != 0
	d.ForceUnitAccess = feat1&(1<<11) != 0
	d.SMARTSelectiveSelfTest = feat1&(1<<12) != 0
	d.SMARTConveyanceSelfTest = feat1&(1<<13) != 0
	d.WriteReadVerify = feat1&(1<<14) != 0

	sataFeat := utils.LE16(page[16:])
	d.NCQ = sataFeat&(1<<0) != 0
	d.NonZeroBufferOffsets = sataFeat&(1<<1) != 0
	d.InterfacePowerManagement = sataFeat&(1<<2) != 0
	d.AsynchronousNotification = sataFeat&(1<<3) != 0
	d.SoftwareSettingsPreservation = sataFeat&(1<<4) != 0

	feat2 := utils.LE16(page[42:])
	d.ExtendedPowerConditions = feat2&(1<<9) != 0
	d.DataSetManagement = feat2&(1<<10) != 0
	d.FreeFall = feat2&(1<<11) != 0
	d.TrustedComputing = feat2&(1<<12) != 0
	d.WriteUncorrectable = feat2&(1<<13) != 0
	d.NVCachePowerManagement = feat2&(1<<14) != 0
	d.NVCache = feat2&(1<<15) != 0

	return d
}

// apply clears page bits for every capability the caller disallowed and writes the max LBA.
// Allowed bits are left exactly as the drive reported them.
func apply(page []byte, d *Data) {
	clear := func(idx int, bit uint, allowed bool) {
		if !allowed {
			page[idx] &^= 1 << bit
		}
	}

	clear(2, 0, d.MWDMA0)
	clear(2, 1, d.MWDMA1)
	clear(2, 2, d.MWDMA2)

	clear(4, 0, d.UDMA0)
	clear(4, 1, d.UDMA1)
	clear(4, 2, d.UDMA2)
	clear(4, 3, d.UDMA3)
	clear(4, 4, d.UDMA4)
	clear(4, 5, d.UDMA5)
	clear(4, 6, d.UDMA6)

	utils.PutLE64(page[6:14], d.MaxLBA)

	clear(14, 0, d.SMARTFeature)
	clear(14, 1, d.SMARTSelfTest)
	clear(14, 2, d.SMARTErrorLog)
	clear(14, 3, d.Security)
	clear(14, 4, d.PowerUpInStandby)
	clear(14, 5, d.ReadWriteDMAQueued)
	clear(14, 6, d.AutomaticAcousticMgmt)
	clear(14, 7, d.HostProtectedArea)
	clear(15, 0, d.FortyEightBitAddress)
	clear(15, 1, d.Streaming)
	clear(15, 2, d.TimeLimitedCommands)
	clear(15, 3, d.ForceUnitAccess)
	clear(15, 4, d.SMARTSelectiveSelfTest)
	clear(15, 5, d.SMARTConveyanceSelfTest)
	clear(15, 6, d.WriteReadVerify)

	clear(16, 0, d.NCQ)
	clear(16, 1, d.NonZeroBufferOffsets)
	clear(16, 2, d.InterfacePowerManagement)
	clear(16, 3, d.AsynchronousNotification)
	clear(16, 4, d.SoftwareSettingsPreservation)

	clear(43, 1, d.ExtendedPowerConditions)
	clear(43, 2, d.DataSetManagement)
	clear(43, 3, d.FreeFall)
	clear(43, 4, d.TrustedComputing)
	clear(43, 5, d.WriteUncorrectable)
	clear(43, 6, d.NVCachePowerManagement)
	clear(43, 7, d.NVCache)
}

// Identify reads and decodes the DCO identify page. A page with a bad checksum is decoded and
// returned anyway with ValidChecksum false.
func Identify(h device.Handle) (*Data, error) {
	supported, dma, err := Supported(h)
	if err != nil {
		return nil, err
	}
	if !supported {
		return nil, fmt.Errorf("DCO: %w", device.ErrNotSupported)
	}

	page, err := readPage(h, dma)
	if err != nil {
		return nil, err
	}

	d := parse(page)
	if !d.ValidChecksum {
		log.Warn("DCO identify page checksum is invalid")
	}

	return d, nil
}

// Set writes a new device configuration. The current identify page is read first and only the
// capabilities the caller disallowed are cleared, so reserved and vendor bits survive untouched.
// The trailing checksum word is recomputed so the 256-word sum is zero; the drive rejects a page
// without it.
func Set(h device.Handle, d *Data) error {
	if d == nil {
		return fmt.Errorf("DCO set: %w", device.ErrBadParameter)
	}

	supported, dma, err := Supported(h)
	if err != nil {
		return err
	}
	if !supported {
		return fmt.Errorf("DCO: %w", device.ErrNotSupported)
	}

	page, err := readPage(h, dma)
	if err != nil {
		return err
	}

	apply(page, d)
	utils.FixATAWordSum(page)

	cmd, err := dcoCmd(h, setFeature(dma), page)
	if err != nil {
		return err
	}
	if cmd.Aborted() {
		return fmt.Errorf("DCO set: %w", device.ErrFrozen)
	}
	if cmd.Failed() {
		return fmt.Errorf("DCO set: %w", device.ErrFailure)
	}

	h.InvalidateIdentify()

	return nil
}

// Restore returns the drive to its factory configuration. An abort is probed with a DCO
// identify: if that aborts too the drive is frozen, otherwise an established HPA is blocking
// the restore.
func Restore(h device.Handle) error {
	supported, dma, err := Supported(h)
	if err != nil {
		return err
	}
	if !supported {
		return fmt.Errorf("DCO: %w", device.ErrNotSupported)
	}

	cmd, err := dcoCmd(h, ata.DCO_RESTORE, nil)
	if err != nil {
		return err
	}

	if cmd.Aborted() {
		if _, err := readPage(h, dma); err != nil {
			return fmt.Errorf("DCO restore: %w", device.ErrFrozen)
		}
		return fmt.Errorf("DCO restore blocked, likely by an established HPA: %w", device.ErrFailure)
	}
	if cmd.Failed() {
		return fmt.Errorf("DCO restore: %w", device.ErrFailure)
	}

	h.InvalidateIdentify()

	return nil
}

// FreezeLock freezes DCO until the next power cycle. An abort means the feature set is already
// frozen and is reported as such rather than as a failure.
func FreezeLock(h device.Handle) error {
	supported, _, err := Supported(h)
	if err != nil {
		return err
	}
	if !supported {
		return fmt.Errorf("DCO: %w", device.ErrNotSupported)
	}

	cmd, err := dcoCmd(h, ata.DCO_FREEZE_LOCK, nil)
	if err != nil {
		return err
	}
	if cmd.Aborted() {
		return fmt.Errorf("DCO freeze lock: %w", device.ErrFrozen)
	}
	if cmd.Failed() {
		return fmt.Errorf("DCO freeze lock: %w", device.ErrFailure)
	}

	return nil
}
