// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Reservation list reads. Every list follows the count-then-fetch pattern: a header-only read
// returns the generation number and the byte length, the buffer is sized from that, and the
// fetch re-issued. If the generation moved between the two reads the view is simply the state at
// fetch time; callers needing strict consistency re-read and compare generations themselves.

package resv

import (
	"fmt"

	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/nvme"
	"github.com/dswarbrick/blockops/scsi"
	"github.com/dswarbrick/blockops/utils"
)

// Registrations is the registered-key list.
type Registrations struct {
	Generation uint32
	Keys       []uint64
}

// Reservation is one active reservation.
type Reservation struct {
	Key   uint64
	Scope Scope
	Type  Type
}

// Reservations is the active-reservation list. Modern devices report at most one entry.
type Reservations struct {
	Generation uint32
	Entries    []Reservation
}

// FullStatusEntry is one registrant with its reservation state and transport ID.
type FullStatusEntry struct {
	Key                uint64
	AllTargetPorts     bool
	Holder             bool
	RelativeTargetPort uint16
	Scope              Scope
	Type               Type
	// TransportID holds up to 24 bytes of the registrant's transport ID; iSCSI names longer
	// than that are truncated. TransportIDLength is the device-reported full length.
	TransportID       [24]byte
	TransportIDLength uint32
}

// FullStatus is the full-status view of all registrants.
type FullStatus struct {
	Generation uint32
	Entries    []FullStatusEntry
	// Synthesized is set when the view was joined from the registration and reservation lists
	// because the device predates READ FULL STATUS. Relative target port IDs and transport IDs
	// are zero in a synthesized view.
	Synthesized bool
}

// prInRead performs the count-then-fetch for one PERSISTENT RESERVE IN service action and
// returns the full parameter data (header included).
func prInRead(h device.Handle, serviceAction uint8) ([]byte, error) {
	// Some drive firmware reports an empty list if the first read is header-sized only, so the
	// count read asks for 32 bytes.
	buf := make([]byte, 32)

	sense, err := scsi.PersistentReserveIn(h, serviceAction, buf)
	if err != nil {
		return nil, err
	}
	if !sense.OK() {
		if sense.IllegalRequest() {
			return nil, fmt.Errorf("persistent reserve in %#02x: %w", serviceAction, device.ErrNotSupported)
		}
		return nil, fmt.Errorf("persistent reserve in %#02x: %v: %w", serviceAction, sense, device.ErrFailure)
	}

	length := int(utils.BE32(buf[4:8]))
	if length+8 <= len(buf) {
		return buf[:8+length], nil
	}

	buf = make([]byte, 8+length)
	sense, err = scsi.PersistentReserveIn(h, serviceAction, buf)
	if err != nil {
		return nil, err
	}
	if !sense.OK() {
		return nil, fmt.Errorf("persistent reserve in %#02x: %v: %w", serviceAction, sense, device.ErrFailure)
	}

	length = int(utils.BE32(buf[4:8]))
	if 8+length > len(buf) {
		length = len(buf) - 8
	}

	return buf[:8+length], nil
}

// ReadRegistrations returns the registered keys.
func ReadRegistrations(h device.Handle) (*Registrations, error) {
	if h.Class() == device.ClassNVMe {
		rpt, err := nvmeReport(h)
		if err != nil {
			return nil, err
		}

		regs := &Registrations{Generation: rpt.Generation}
		for _, c := range rpt.Controllers {
			regs.Keys = append(regs.Keys, c.Key)
		}
		return regs, nil
	}

	data, err := prInRead(h, scsi.PRIN_READ_KEYS)
	if err != nil {
		return nil, err
	}

	regs := &Registrations{Generation: utils.BE32(data[0:4])}
	for off := 8; off+8 <= len(data); off += 8 {
		regs.Keys = append(regs.Keys, utils.BE64(data[off:]))
	}

	return regs, nil
}

// ReadReservations returns the active reservations.
func ReadReservations(h device.Handle) (*Reservations, error) {
	if h.Class() == device.ClassNVMe {
		rpt, err := nvmeReport(h)
		if err != nil {
			return nil, err
		}

		res := &Reservations{Generation: rpt.Generation}
		for _, c := range rpt.Controllers {
			if c.Holder {
				res.Entries = append(res.Entries, Reservation{
					Key:   c.Key,
					Scope: ScopeLogicalUnit,
					Type:  typeFromNVMe(rpt.Type),
				})
			}
		}
		return res, nil
	}

	data, err := prInRead(h, scsi.PRIN_READ_RESERVATION)
	if err != nil {
		return nil, err
	}

	res := &Reservations{Generation: utils.BE32(data[0:4])}
	for off := 8; off+16 <= len(data); off += 16 {
		res.Entries = append(res.Entries, Reservation{
			Key:   utils.BE64(data[off:]),
			Scope: Scope(data[off+13] >> 4),
			Type:  Type(data[off+13] & 0x0f),
		})
	}

	return res, nil
}

// ReadFullStatus returns the full-status view. Devices without READ FULL STATUS (pre-SPC-3) get
// a synthesized view joined from the registration and reservation lists.
func ReadFullStatus(h device.Handle) (*FullStatus, error) {
	if h.Class() == device.ClassNVMe {
		return nvmeFullStatus(h)
	}

	data, err := prInRead(h, scsi.PRIN_READ_FULL_STATUS)
	if err == nil {
		return parseFullStatus(data), nil
	}

	log.WithError(err).Debug("read full status unsupported, synthesizing from key and reservation lists")

	regs, rerr := ReadRegistrations(h)
	if rerr != nil {
		return nil, rerr
	}
	res, rerr := ReadReservations(h)
	if rerr != nil {
		return nil, rerr
	}

	return SynthesizeFullStatus(regs, res), nil
}

// parseFullStatus walks the variable-length full status descriptors. Each descriptor is 24 bytes
// plus its additional (transport ID) length, which must be consumed byte-exactly to find the
// next descriptor.
func parseFullStatus(data []byte) *FullStatus {
	fs := &FullStatus{Generation: utils.BE32(data[0:4])}

	for off := 8; off+24 <= len(data); {
		addLen := int(utils.BE32(data[off+20 : off+24]))

		e := FullStatusEntry{
			Key:                utils.BE64(data[off:]),
			Holder:             data[off+12]&(1<<0) != 0,
			AllTargetPorts:     data[off+12]&(1<<1) != 0,
			RelativeTargetPort: utils.BE16(data[off+18:]),
			Scope:              Scope(data[off+13] >> 4),
			Type:               Type(data[off+13] & 0x0f),
			TransportIDLength:  uint32(addLen),
		}
		if e.Scope > ScopeElement {
			e.Scope = ScopeUnknown
		}
		// A type code of zero only means read-shared while a reservation is actually held.
		if e.Type == TypeReadShared && !e.Holder {
			e.Type = TypeNone
		}
		if addLen > 0 && off+24 < len(data) {
			copy(e.TransportID[:], data[off+24:min(off+24+addLen, len(data))])
		}

		fs.Entries = append(fs.Entries, e)
		off += 24 + addLen
	}

	return fs
}

// SynthesizeFullStatus joins a registration list and a reservation list into a full-status view
// on key equality. A registrant whose key appears in the reservation list is the holder and
// inherits its scope and type; everything a real READ FULL STATUS would add (target port,
// transport ID) is zeroed and the view flagged as synthesized.
func SynthesizeFullStatus(regs *Registrations, res *Reservations) *FullStatus {
	fs := &FullStatus{Generation: regs.Generation, Synthesized: true}

	for _, key := range regs.Keys {
		e := FullStatusEntry{
			Key:   key,
			Scope: ScopeLogicalUnit,
			Type:  TypeNone,
		}

		for _, r := range res.Entries {
			if r.Key == key {
				e.Holder = true
				e.Scope = r.Scope
				e.Type = r.Type
				break
			}
		}

		fs.Entries = append(fs.Entries, e)
	}

	return fs
}

// nvmeReport performs the NVMe count-then-fetch of the reservation report.
func nvmeReport(h device.Handle) (*nvme.ReservationReport, error) {
	// Header-sized read first to learn the controller count.
	buf := make([]byte, 64)
	if err := nvmeReportRead(h, buf); err != nil {
		return nil, err
	}

	regctl := int(utils.LE16(buf[5:7]))
	need := 24 + regctl*24
	if need > len(buf) {
		buf = make([]byte, need)
		if err := nvmeReportRead(h, buf); err != nil {
			return nil, err
		}
	}

	rpt := nvme.ParseReservationReport(buf)
	return &rpt, nil
}

func nvmeReportRead(h device.Handle, buf []byte) error {
	cmd := device.NVMeCmd{
		Opcode: nvme.NVME_CMD_RESV_REPORT,
		NSID:   1,
		CDW10:  uint32(len(buf)/4 - 1),
		Data:   buf,
	}

	if err := h.NVMe(&cmd); err != nil {
		return err
	}
	if cmd.Status != 0 {
		return fmt.Errorf("reservation report status %#x: %w", cmd.Status, device.ErrFailure)
	}

	return nil
}

func nvmeFullStatus(h device.Handle) (*FullStatus, error) {
	rpt, err := nvmeReport(h)
	if err != nil {
		return nil, err
	}

	fs := &FullStatus{Generation: rpt.Generation}
	for _, c := range rpt.Controllers {
		e := FullStatusEntry{
			Key:                c.Key,
			AllTargetPorts:     true,
			Holder:             c.Holder,
			RelativeTargetPort: c.ControllerID,
			Scope:              ScopeLogicalUnit,
			Type:               TypeNone,
		}
		if c.Holder {
			e.Type = typeFromNVMe(rpt.Type)
		}
		copy(e.TransportID[:], c.HostID[:])
		e.TransportIDLength = 8

		fs.Entries = append(fs.Entries, e)
	}

	return fs, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
