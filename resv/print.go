// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package resv

import (
	"fmt"
	"io"

	"github.com/dswarbrick/blockops/device"
)

// PrintStatus writes a human-readable reservation report for a device.
func PrintStatus(h device.Handle, w io.Writer) error {
	caps, err := ReadCapabilities(h)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "Persistent reservation capabilities:")
	fmt.Fprintf(w, "  Replace lost reservation capable: %v\n", caps.ReplaceLostCapable)
	fmt.Fprintf(w, "  Compatible reservation handling:  %v\n", caps.CompatibleReservationHandling)
	fmt.Fprintf(w, "  Specify initiator ports capable:  %v\n", caps.SpecifyInitiatorPortsCapable)
	fmt.Fprintf(w, "  All target ports capable:         %v\n", caps.AllTargetPortsCapable)
	fmt.Fprintf(w, "  Persist through power loss:       capable=%v activated=%v\n",
		caps.PersistThroughPowerLossCapable, caps.PersistThroughPowerLossActivated)
	fmt.Fprintf(w, "  Allowed commands value:           %d\n", caps.AllowedCommands)
	if caps.TypeMaskValid {
		fmt.Fprint(w, "  Supported reservation types:     ")
		for t := TypeReadShared; t <= TypeExclusiveAccessAllRegistrants; t++ {
			if caps.Supports(t) {
				fmt.Fprintf(w, " [%v]", t)
			}
		}
		fmt.Fprintln(w)
	}

	fs, err := ReadFullStatus(h)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\nRegistrants (generation %d", fs.Generation)
	if fs.Synthesized {
		fmt.Fprint(w, ", synthesized from key and reservation lists")
	}
	fmt.Fprintln(w, "):")

	if len(fs.Entries) == 0 {
		fmt.Fprintln(w, "  none")
		return nil
	}

	for _, e := range fs.Entries {
		fmt.Fprintf(w, "  key %016x", e.Key)
		if e.Holder {
			fmt.Fprintf(w, "  HOLDER scope=%v type=%v", e.Scope, e.Type)
		}
		if e.AllTargetPorts {
			fmt.Fprint(w, "  all-target-ports")
		}
		if e.RelativeTargetPort != 0 {
			fmt.Fprintf(w, "  port=%d", e.RelativeTargetPort)
		}
		if e.TransportIDLength > 0 {
			n := e.TransportIDLength
			if n > uint32(len(e.TransportID)) {
				n = uint32(len(e.TransportID))
			}
			fmt.Fprintf(w, "  transport-id=% x", e.TransportID[:n])
		}
		fmt.Fprintln(w)
	}

	return nil
}
