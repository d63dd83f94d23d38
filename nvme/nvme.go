// Copyright 2017-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// NVMe command definitions and parameter data layouts for the features this library drives on
// NVMe devices: controller/namespace identify (capability discovery) and reservations.

package nvme

import (
	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/utils"
)

const (
	// Admin commands
	NVME_ADMIN_GET_LOG_PAGE = 0x02
	NVME_ADMIN_IDENTIFY     = 0x06

	// IO commands (reservations)
	NVME_CMD_RESV_REGISTER = 0x0d
	NVME_CMD_RESV_REPORT   = 0x0e
	NVME_CMD_RESV_ACQUIRE  = 0x11
	NVME_CMD_RESV_RELEASE  = 0x15

	// Identify CNS values
	CNS_NAMESPACE  = 0x00
	CNS_CONTROLLER = 0x01

	// Reservation register actions (RREGA)
	RREGA_REGISTER   = 0
	RREGA_UNREGISTER = 1
	RREGA_REPLACE    = 2

	// Change persist-through-power-loss state (CPTPL)
	CPTPL_NO_CHANGE = 0
	CPTPL_CLEAR     = 2
	CPTPL_SET       = 3

	// Reservation acquire actions (RACQA)
	RACQA_ACQUIRE           = 0
	RACQA_PREEMPT           = 1
	RACQA_PREEMPT_AND_ABORT = 2

	// Reservation release actions (RRELA)
	RRELA_RELEASE = 0
	RRELA_CLEAR   = 1

	// Reservation types (RTYPE)
	RTYPE_WRITE_EXCLUSIVE                  = 1
	RTYPE_EXCLUSIVE_ACCESS                 = 2
	RTYPE_WRITE_EXCLUSIVE_REG_ONLY         = 3
	RTYPE_EXCLUSIVE_ACCESS_REG_ONLY        = 4
	RTYPE_WRITE_EXCLUSIVE_ALL_REGISTRANTS  = 5
	RTYPE_EXCLUSIVE_ACCESS_ALL_REGISTRANTS = 6

	// Identify controller ONCS bit for reservation support
	ONCSReservations = 1 << 5

	// Identify offsets used for capability synthesis
	identCtrlONCSOffset = 520
	identNSRescapOffset = 31
)

// Namespace RESCAP bits (identify namespace byte 31).
const (
	RescapPTPL           = 1 << 0
	RescapWE             = 1 << 1
	RescapEA             = 1 << 2
	RescapWERO           = 1 << 3
	RescapEARO           = 1 << 4
	RescapWEAR           = 1 << 5
	RescapEAAR           = 1 << 6
	RescapIgnoreExisting = 1 << 7
)

// IdentifyController reads the 4096-byte controller identify page.
func IdentifyController(h device.Handle) ([]byte, error) {
	buf := make([]byte, 4096)

	cmd := device.NVMeCmd{
		Admin:  true,
		Opcode: NVME_ADMIN_IDENTIFY,
		CDW10:  CNS_CONTROLLER,
		Data:   buf,
	}

	if err := h.NVMe(&cmd); err != nil {
		return nil, err
	}
	if cmd.Status != 0 {
		return nil, device.ErrFailure
	}

	return buf, nil
}

// IdentifyNamespace reads the 4096-byte namespace identify page for the given NSID.
func IdentifyNamespace(h device.Handle, nsid uint32) ([]byte, error) {
	buf := make([]byte, 4096)

	cmd := device.NVMeCmd{
		Admin:  true,
		Opcode: NVME_ADMIN_IDENTIFY,
		NSID:   nsid,
		CDW10:  CNS_NAMESPACE,
		Data:   buf,
	}

	if err := h.NVMe(&cmd); err != nil {
		return nil, err
	}
	if cmd.Status != 0 {
		return nil, device.ErrFailure
	}

	return buf, nil
}

// ONCS returns the optional NVM command support word from a controller identify page.
func ONCS(identCtrl []byte) uint16 {
	return utils.LE16(identCtrl[identCtrlONCSOffset:])
}

// Rescap returns the reservation capabilities byte from a namespace identify page.
func Rescap(identNS []byte) uint8 {
	return identNS[identNSRescapOffset]
}

// RegisteredController is one entry of the reservation report's controller list.
type RegisteredController struct {
	ControllerID uint16
	Holder       bool
	HostID       [8]byte
	Key          uint64
}

// ReservationReport is the decoded Reservation Report data structure.
type ReservationReport struct {
	Generation  uint32
	Type        uint8
	PTPLState   bool
	Controllers []RegisteredController
}

// ParseReservationReport decodes a Reservation Report page. All multi-byte fields are
// little-endian, unlike their SCSI counterparts.
func ParseReservationReport(buf []byte) ReservationReport {
	rpt := ReservationReport{
		Generation: utils.LE32(buf[0:]),
		Type:       buf[4],
		PTPLState:  buf[9] != 0,
	}

	regctl := int(utils.LE16(buf[5:7]))
	for i := 0; i < regctl; i++ {
		off := 24 + i*24
		if off+24 > len(buf) {
			break
		}

		ctrl := RegisteredController{
			ControllerID: utils.LE16(buf[off:]),
			Holder:       buf[off+2]&0x01 != 0,
			Key:          utils.LE64(buf[off+16:]),
		}
		copy(ctrl.HostID[:], buf[off+8:off+16])

		rpt.Controllers = append(rpt.Controllers, ctrl)
	}

	return rpt
}
