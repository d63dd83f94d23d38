// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Linux SG_IO and NVMe character device implementations of Handle.

package device

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	nvmeioctl "github.com/dswarbrick/go-nvme/ioctl"

	"github.com/dswarbrick/blockops/ioctl"
)

const (
	sgDxferNone    = -1
	sgDxferToDev   = -2
	sgDxferFromDev = -3

	sgInfoOKMask = 0x1
	sgInfoOK     = 0x0

	sgIO        = 0x2285
	sgSCSIReset = 0x2284

	sgSCSIResetDevice = 1

	// Timeout in milliseconds
	sgDefaultTimeout = 20000

	// <uapi/linux/fs.h> block device ioctls
	blkGetSize64 = 0x80081272
	blkSSZGet    = 0x1268
	blkRRPart    = 0x125f

	// SCSI opcodes used directly by this transport
	opInquiry       = 0x12
	opATAPassthru16 = 0x85

	inqReplyLen = 96
)

// SCSI generic ioctl header, defined as sg_io_hdr_t in <scsi/sg.h>
type sgIoHdr struct {
	interface_id    int32   // 'S' for SCSI generic (required)
	dxfer_direction int32   // data transfer direction
	cmd_len         uint8   // SCSI command length (<= 16 bytes)
	mx_sb_len       uint8   // max length to write to sbp
	iovec_count     uint16  // 0 implies no scatter gather
	dxfer_len       uint32  // byte count of data transfer
	dxferp          uintptr // points to data transfer memory or scatter gather list
	cmdp            uintptr // points to command to perform
	sbp             uintptr // points to sense_buffer memory
	timeout         uint32  // MAX_UINT -> no timeout (unit: millisec)
	flags           uint32  // 0 -> default, see SG_FLAG...
	pack_id         int32   // unused internally (normally)
	usr_ptr         uintptr // unused internally
	status          uint8   // SCSI status
	masked_status   uint8   // shifted, masked scsi status
	msg_status      uint8   // messaging level data (optional)
	sb_len_wr       uint8   // byte count actually written to sbp
	host_status     uint16  // errors from host adapter
	driver_status   uint16  // errors from software driver
	resid           int32   // dxfer_len - actual_transferred
	duration        uint32  // time taken by cmd (unit: millisec)
	info            uint32  // auxiliary information
}

type sgioError struct {
	scsiStatus   uint8
	hostStatus   uint16
	driverStatus uint16
}

func (e sgioError) Error() string {
	return fmt.Sprintf("SCSI status: %#02x, host status: %#02x, driver status: %#02x",
		e.scsiStatus, e.hostStatus, e.driverStatus)
}

// SGHandle is a Handle backed by the Linux SCSI generic driver. It serves both native SCSI
// devices and ATA devices reached through libata or an external SAT layer.
type SGHandle struct {
	Name string
	fd   int

	class     Class
	blockSize uint32
	maxLBA    uint64
	hints     Hints

	identify []byte
}

// OpenSG opens a block or SCSI generic device node and probes its class via INQUIRY.
func OpenSG(name string) (*SGHandle, error) {
	fd, err := unix.Open(name, unix.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}

	h := &SGHandle{Name: name, fd: fd, class: ClassSCSI}
	h.hints.TransferBlocks = 128
	h.hints.InfiniteTimeout = true // SG_IO accepts MAX_UINT

	var size uint64
	if err := ioctl.Ioctl(uintptr(fd), blkGetSize64, uintptr(unsafe.Pointer(&size))); err == nil {
		var ssz int32
		if err := ioctl.Ioctl(uintptr(fd), blkSSZGet, uintptr(unsafe.Pointer(&ssz))); err == nil && ssz > 0 {
			h.blockSize = uint32(ssz)
			h.maxLBA = size/uint64(ssz) - 1
		}
	}
	if h.blockSize == 0 {
		h.blockSize = 512
	}

	inq := make([]byte, inqReplyLen)
	cdb := []byte{opInquiry, 0, 0, 0, inqReplyLen, 0}
	cmd := SCSICmd{CDB: cdb, Direction: SCSIDataIn, Data: inq}

	if err := h.SCSI(&cmd); err != nil {
		unix.Close(fd)
		return nil, err
	}

	// libata and SAT layers report "ATA     " as the vendor identification.
	if string(inq[8:16]) == "ATA     " {
		h.class = ClassATA
		h.hints.SATLayer = true
		h.hints.DMAMode = true
	}

	return h, nil
}

func (h *SGHandle) Class() Class       { return h.class }
func (h *SGHandle) BlockSize() uint32  { return h.blockSize }
func (h *SGHandle) MaxLBA() uint64     { return h.maxLBA }
func (h *SGHandle) Hints() Hints       { return h.hints }
func (h *SGHandle) InvalidateIdentify() { h.identify = nil }

func (h *SGHandle) Close() error {
	return unix.Close(h.fd)
}

// Reset issues a device-level SCSI reset, then asks the kernel to re-read the partition table so
// stale capacity data is dropped.
func (h *SGHandle) Reset() error {
	val := int32(sgSCSIResetDevice)
	if err := ioctl.Ioctl(uintptr(h.fd), sgSCSIReset, uintptr(unsafe.Pointer(&val))); err != nil {
		return err
	}

	// Best effort; EBUSY is normal when partitions are mounted.
	ioctl.Ioctl(uintptr(h.fd), blkRRPart, 0)

	return nil
}

func (h *SGHandle) Identify() ([]byte, error) {
	if h.identify != nil {
		return h.identify, nil
	}

	if h.class != ClassATA {
		return nil, ErrNotSupported
	}

	buf := make([]byte, 512)
	cmd := ATACmd{Command: 0xec, Protocol: ATAProtocolPIOIn, Data: buf}

	if err := h.ATA(&cmd); err != nil {
		return nil, err
	}
	if cmd.Failed() {
		return nil, fmt.Errorf("ATA IDENTIFY DEVICE: %w", ErrFailure)
	}

	h.identify = buf
	return h.identify, nil
}

func (h *SGHandle) SCSI(cmd *SCSICmd) error {
	senseBuf := make([]byte, 32)

	hdr := sgIoHdr{
		interface_id: 'S',
		timeout:      sgDefaultTimeout,
		cmd_len:      uint8(len(cmd.CDB)),
		mx_sb_len:    uint8(len(senseBuf)),
		cmdp:         uintptr(unsafe.Pointer(&cmd.CDB[0])),
		sbp:          uintptr(unsafe.Pointer(&senseBuf[0])),
	}

	switch cmd.Direction {
	case SCSIDataIn:
		hdr.dxfer_direction = sgDxferFromDev
	case SCSIDataOut:
		hdr.dxfer_direction = sgDxferToDev
	default:
		hdr.dxfer_direction = sgDxferNone
	}

	if len(cmd.Data) > 0 {
		hdr.dxfer_len = uint32(len(cmd.Data))
		hdr.dxferp = uintptr(unsafe.Pointer(&cmd.Data[0]))
	}

	if cmd.Timeout == TimeoutInfinite {
		hdr.timeout = 0xffffffff
	} else if cmd.Timeout != 0 {
		hdr.timeout = cmd.Timeout * 1000
	}

	if err := ioctl.Ioctl(uintptr(h.fd), sgIO, uintptr(unsafe.Pointer(&hdr))); err != nil {
		return err
	}

	cmd.Status = hdr.status
	cmd.SenseLen = hdr.sb_len_wr
	copy(cmd.Sense[:], senseBuf[:hdr.sb_len_wr])

	// A check condition with sense data is a device-reported result, not a transport failure;
	// leave interpretation to the caller.
	if hdr.info&sgInfoOKMask != sgInfoOK && hdr.status == 0 && hdr.sb_len_wr == 0 {
		return sgioError{
			scsiStatus:   hdr.status,
			hostStatus:   hdr.host_status,
			driverStatus: hdr.driver_status,
		}
	}

	return nil
}

// ATA issues a taskfile command wrapped in an ATA PASS-THROUGH (16) CDB, requesting the return of
// the taskfile result registers in descriptor-format sense data (CK_COND=1).
func (h *SGHandle) ATA(cmd *ATACmd) error {
	var cdb [16]byte

	cdb[0] = opATAPassthru16

	ext := cmd.LBA > 0x0fffffff || cmd.Count > 0xff || cmd.Feature > 0xff ||
		cmd.Command == 0x2f || cmd.Command == 0x3f || cmd.Command == 0x78

	switch cmd.Protocol {
	case ATAProtocolNoData:
		cdb[1] = 3 << 1
	case ATAProtocolPIOIn:
		cdb[1] = 4 << 1
		cdb[2] = 0x0e // BYT_BLOK=1, T_LENGTH=2 (sector count), T_DIR=1 (in)
	case ATAProtocolPIOOut:
		cdb[1] = 5 << 1
		cdb[2] = 0x06 // BYT_BLOK=1, T_LENGTH=2, T_DIR=0 (out)
	case ATAProtocolDMAIn:
		cdb[1] = 6 << 1
		cdb[2] = 0x0e
	case ATAProtocolDMAOut:
		cdb[1] = 6 << 1
		cdb[2] = 0x06
	}

	if ext {
		cdb[1] |= 0x01 // EXTEND
	}
	cdb[2] |= 0x20 // CK_COND: always return taskfile registers in sense data

	cdb[3] = byte(cmd.Feature >> 8)
	cdb[4] = byte(cmd.Feature)
	cdb[5] = byte(cmd.Count >> 8)
	cdb[6] = byte(cmd.Count)
	cdb[7] = byte(cmd.LBA >> 24)
	cdb[8] = byte(cmd.LBA)
	cdb[9] = byte(cmd.LBA >> 32)
	cdb[10] = byte(cmd.LBA >> 8)
	cdb[11] = byte(cmd.LBA >> 40)
	cdb[12] = byte(cmd.LBA >> 16)
	cdb[13] = cmd.Device
	cdb[14] = cmd.Command

	scmd := SCSICmd{CDB: cdb[:], Data: cmd.Data, Timeout: cmd.Timeout}
	switch cmd.Protocol {
	case ATAProtocolPIOIn, ATAProtocolDMAIn:
		scmd.Direction = SCSIDataIn
	case ATAProtocolPIOOut, ATAProtocolDMAOut:
		scmd.Direction = SCSIDataOut
	}

	if err := h.SCSI(&scmd); err != nil {
		return err
	}

	// ATA Status Return descriptor (SAT, descriptor code 09h) inside descriptor-format sense.
	if scmd.SenseLen >= 8 && scmd.Sense[0]&0x7f == 0x72 {
		sense := scmd.Sense[:scmd.SenseLen]
		for off := 8; off+2 <= len(sense); {
			dLen := int(sense[off+1]) + 2
			if sense[off] == 0x09 && off+14 <= len(sense) {
				d := sense[off:]
				cmd.RError = d[3]
				cmd.RCount = uint16(d[5])
				cmd.RLBA = uint64(d[7]) | uint64(d[9])<<8 | uint64(d[11])<<16
				if d[2]&0x01 != 0 { // EXTEND
					cmd.RCount |= uint16(d[4]) << 8
					cmd.RLBA |= uint64(d[6])<<24 | uint64(d[8])<<32 | uint64(d[10])<<40
				}
				cmd.RStatus = d[13]
				break
			}
			off += dLen
		}
	} else if scmd.Status == SCSIStatusGood {
		cmd.RStatus = ATAStatusDRD
	}

	return nil
}

func (h *SGHandle) NVMe(cmd *NVMeCmd) error {
	return ErrNotSupported
}

// NVMeHandle is a Handle backed by the Linux NVMe driver's passthrough ioctls.
type NVMeHandle struct {
	Name string
	fd   int

	blockSize uint32
	maxLBA    uint64
	hints     Hints
}

// Defined in <linux/nvme_ioctl.h>
type nvmePassthruCommand struct {
	opcode       uint8
	flags        uint8
	rsvd1        uint16
	nsid         uint32
	cdw2         uint32
	cdw3         uint32
	metadata     uint64
	addr         uint64
	metadata_len uint32
	data_len     uint32
	cdw10        uint32
	cdw11        uint32
	cdw12        uint32
	cdw13        uint32
	cdw14        uint32
	cdw15        uint32
	timeout_ms   uint32
	result       uint32
} // 72 bytes

var (
	nvmeIoctlAdminCmd = nvmeioctl.Iowr('N', 0x41, unsafe.Sizeof(nvmePassthruCommand{}))
	nvmeIoctlIOCmd    = nvmeioctl.Iowr('N', 0x43, unsafe.Sizeof(nvmePassthruCommand{}))
	nvmeIoctlReset    = ioctl.Io('N', 0x44)
)

// OpenNVMe opens an NVMe namespace block device or controller character device.
func OpenNVMe(name string) (*NVMeHandle, error) {
	fd, err := unix.Open(name, unix.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}

	h := &NVMeHandle{Name: name, fd: fd}
	h.hints.TransferBlocks = 256

	var size uint64
	if err := ioctl.Ioctl(uintptr(fd), blkGetSize64, uintptr(unsafe.Pointer(&size))); err == nil {
		var ssz int32
		if err := ioctl.Ioctl(uintptr(fd), blkSSZGet, uintptr(unsafe.Pointer(&ssz))); err == nil && ssz > 0 {
			h.blockSize = uint32(ssz)
			h.maxLBA = size/uint64(ssz) - 1
		}
	}
	if h.blockSize == 0 {
		h.blockSize = 512
	}

	return h, nil
}

func (h *NVMeHandle) Class() Class        { return ClassNVMe }
func (h *NVMeHandle) BlockSize() uint32   { return h.blockSize }
func (h *NVMeHandle) MaxLBA() uint64      { return h.maxLBA }
func (h *NVMeHandle) Hints() Hints        { return h.hints }
func (h *NVMeHandle) InvalidateIdentify() {}

func (h *NVMeHandle) Close() error {
	return unix.Close(h.fd)
}

func (h *NVMeHandle) Reset() error {
	return ioctl.Ioctl(uintptr(h.fd), nvmeIoctlReset, 0)
}

func (h *NVMeHandle) Identify() ([]byte, error) {
	return nil, ErrNotSupported
}

func (h *NVMeHandle) ATA(cmd *ATACmd) error {
	return ErrNotSupported
}

func (h *NVMeHandle) SCSI(cmd *SCSICmd) error {
	return ErrNotSupported
}

func (h *NVMeHandle) NVMe(cmd *NVMeCmd) error {
	pc := nvmePassthruCommand{
		opcode: cmd.Opcode,
		nsid:   cmd.NSID,
		cdw10:  cmd.CDW10,
		cdw11:  cmd.CDW11,
		cdw12:  cmd.CDW12,
		cdw13:  cmd.CDW13,
		cdw14:  cmd.CDW14,
		cdw15:  cmd.CDW15,
	}

	if len(cmd.Data) > 0 {
		pc.addr = uint64(uintptr(unsafe.Pointer(&cmd.Data[0])))
		pc.data_len = uint32(len(cmd.Data))
	}

	if cmd.Timeout == TimeoutInfinite {
		pc.timeout_ms = 0
	} else if cmd.Timeout != 0 {
		pc.timeout_ms = cmd.Timeout * 1000
	}

	ioc := nvmeIoctlIOCmd
	if cmd.Admin {
		ioc = nvmeIoctlAdminCmd
	}

	if err := ioctl.Ioctl(uintptr(h.fd), ioc, uintptr(unsafe.Pointer(&pc))); err != nil {
		// The NVMe driver reports command status as a positive errno-style return; that is a
		// device-reported result.
		if errno, ok := err.(unix.Errno); ok && errno > 0x100 {
			cmd.Status = uint32(errno)
			return nil
		}
		return err
	}

	cmd.Result = pc.result
	cmd.Status = 0

	return nil
}
