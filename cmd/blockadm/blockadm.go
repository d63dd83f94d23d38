/*
 * blockops reference utility
 * Copyright 2024 Daniel Swarbrick
 */

package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/dswarbrick/blockops/cdl"
	"github.com/dswarbrick/blockops/dco"
	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/maxlba"
	"github.com/dswarbrick/blockops/parttable"
	"github.com/dswarbrick/blockops/phy"
	"github.com/dswarbrick/blockops/resv"
	"github.com/dswarbrick/blockops/security"
	"github.com/dswarbrick/blockops/utils"
)

func openHandle(name string) (device.Handle, error) {
	if strings.HasPrefix(name, "/dev/nvme") {
		return device.OpenNVMe(name)
	}
	return device.OpenSG(name)
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "ATA security password (empty for the Windows PE default): ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if len(pw) == 0 {
		return security.WindowsPEPassword, nil
	}
	return string(pw), nil
}

func main() {
	fmt.Println("blockops reference utility")
	fmt.Printf("Built with %s on %s (%s)\n\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	dev := flag.String("device", "", "Device to operate on, e.g. /dev/sda or /dev/nvme0n1")
	verbose := flag.Bool("verbose", false, "Enable debug logging")

	secInfo := flag.Bool("security-info", false, "Print ATA security status")
	secFreeze := flag.Bool("security-freeze", false, "Freeze the ATA security feature set")
	secErase := flag.Bool("secure-erase", false, "Run an ATA security erase (DESTROYS ALL DATA)")
	enhanced := flag.Bool("enhanced", false, "Use enhanced erase mode with -secure-erase")

	partitions := flag.Bool("partitions", false, "Print the partition table")
	reservations := flag.Bool("reservations", false, "Print persistent reservation state")
	dcoInfo := flag.Bool("dco", false, "Print the device configuration overlay data")
	restoreMax := flag.Bool("restore-maxlba", false, "Restore native max LBA (HPA/AMAC, then DCO)")
	checkSync := flag.Bool("check-sync", false, "Check SAT layer capacity synchronization")

	phyCounters := flag.Bool("phy-counters", false, "Print SATA PHY event counters")
	phyReset := flag.Bool("phy-reset", false, "Clear PHY event counters atomically with the read")

	cdlInfo := flag.Bool("cdl", false, "Print command duration limit settings")
	cdlSave := flag.String("cdl-save", "", "Save command duration limit settings to a YAML file")
	cdlLoad := flag.String("cdl-load", "", "Load and apply command duration limit settings from a YAML file")

	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if *dev == "" {
		flag.PrintDefaults()
		os.Exit(1)
	}

	h, err := openHandle(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *dev, err)
		os.Exit(1)
	}
	defer h.Close()

	capacity := (h.MaxLBA() + 1) * uint64(h.BlockSize())
	fmt.Printf("%s: %v device, %d-byte blocks, capacity %s\n\n",
		*dev, h.Class(), h.BlockSize(), utils.FormatBytes(capacity))

	switch {
	case *secInfo:
		info, err := security.ReadInfo(h, false)
		exitIf(err)
		fmt.Printf("Security state: %v\n", info.State)
		fmt.Printf("  supported=%v enabled=%v locked=%v frozen=%v count-expired=%v\n",
			info.Supported, info.Enabled, info.Locked, info.Frozen, info.CountExpired)
		fmt.Printf("  enhanced erase supported=%v, estimate %d min (standard %d min)\n",
			info.EnhancedEraseSupported, info.EnhancedEraseTimeMinutes, info.EraseTimeMinutes)
		fmt.Printf("  master password identifier=%#04x, maximum security=%v\n",
			info.MasterIdentifier, info.MaximumSecurity)

	case *secFreeze:
		exitIf(security.FreezeLock(h, security.SATAuto))
		fmt.Println("Security feature set frozen until next power cycle.")

	case *secErase:
		pw, err := promptPassword()
		exitIf(err)
		mode := security.EraseStandard
		if *enhanced {
			mode = security.EraseEnhanced
		}
		result, err := security.RunEraseWithRecovery(h,
			security.NewPassword([]byte(pw), security.PasswordUser), mode, security.SATAuto)
		if result != nil {
			fmt.Printf("Erase took %v, reset detected: %v, final state: %v\n",
				result.Elapsed, result.ResetDetected, result.FinalState)
		}
		exitIf(err)

	case *partitions:
		table, err := parttable.Read(h)
		exitIf(err)
		printTable(table)

	case *reservations:
		exitIf(resv.PrintStatus(h, os.Stdout))

	case *dcoInfo:
		data, err := dco.Identify(h)
		exitIf(err)
		fmt.Printf("DCO revision %#04x, max LBA %d, checksum valid %v\n",
			data.Revision, data.MaxLBA, data.ValidChecksum)
		fmt.Printf("  feat1: smart=%v security=%v hpa=%v 48bit=%v streaming=%v fua=%v\n",
			data.SMARTFeature, data.Security, data.HostProtectedArea,
			data.FortyEightBitAddress, data.Streaming, data.ForceUnitAccess)
		fmt.Printf("  sata: ncq=%v ipm=%v ssp=%v async-notify=%v\n",
			data.NCQ, data.InterfacePowerManagement, data.SoftwareSettingsPreservation,
			data.AsynchronousNotification)
		fmt.Printf("  feat2: nvcache=%v tcg=%v wue=%v freefall=%v dsm=%v epc=%v\n",
			data.NVCache, data.TrustedComputing, data.WriteUncorrectable,
			data.FreeFall, data.DataSetManagement, data.ExtendedPowerConditions)

	case *restoreMax:
		exitIf(maxlba.Restore(h))
		fmt.Println("Max LBA restore complete.")

	case *checkSync:
		st, err := maxlba.CheckTranslatorSync(h, false)
		if st != nil {
			fmt.Printf("ATA max LBA %d, SCSI max LBA %d, in sync: %v\n",
				st.ATAMaxLBA, st.SCSIMaxLBA, st.InSync)
		}
		exitIf(err)

	case *phyCounters:
		counters, err := phy.ReadSATACounters(h, *phyReset)
		exitIf(err)
		if !counters.ValidChecksum {
			fmt.Println("warning: counter page checksum invalid")
		}
		for _, c := range counters.Counters {
			fmt.Printf("  %-55s %d (%d-bit)\n", c.Name(), c.Value, c.Bits)
		}

	case *cdlInfo || *cdlSave != "" || *cdlLoad != "":
		settings, err := cdl.Get(h)
		exitIf(err)

		if *cdlLoad != "" {
			f, err := os.Open(*cdlLoad)
			exitIf(err)
			loaded, err := cdl.Load(f)
			f.Close()
			exitIf(err)
			exitIf(cdl.Set(h, cdl.Merge(settings, loaded)))
			fmt.Println("Command duration limits applied.")
			return
		}

		if *cdlSave != "" {
			f, err := os.Create(*cdlSave)
			exitIf(err)
			defer f.Close()
			exitIf(settings.Save(f))
			fmt.Printf("Command duration limits saved to %s\n", *cdlSave)
			return
		}

		fmt.Printf("CDL supported=%v enabled=%v, limits %d..%d us\n",
			settings.Supported, settings.Enabled,
			settings.MinimumTimeLimitMicroseconds, settings.MaximumTimeLimitMicroseconds)
		for i, d := range settings.ReadDescriptors {
			fmt.Printf("  R%d: active=%d (policy %#x) inactive=%d (policy %#x) total=%d (policy %#x)\n",
				i+1, d.ActiveTime, d.ActiveTimePolicy, d.InactiveTime, d.InactiveTimePolicy,
				d.TotalTime, d.TotalTimePolicy)
		}
		for i, d := range settings.WriteDescriptors {
			fmt.Printf("  W%d: active=%d (policy %#x) inactive=%d (policy %#x) total=%d (policy %#x)\n",
				i+1, d.ActiveTime, d.ActiveTimePolicy, d.InactiveTime, d.InactiveTimePolicy,
				d.TotalTime, d.TotalTimePolicy)
		}

	default:
		flag.PrintDefaults()
		os.Exit(1)
	}
}

func printTable(t *parttable.Table) {
	fmt.Printf("Partition table: %v\n", t.Type)

	switch t.Type {
	case parttable.TypeMBR:
		fmt.Printf("  variant: %v, disk signature %#08x\n", t.MBR.Variant, t.MBR.DiskSignature)
		for i, e := range t.MBR.Entries {
			if e.Empty() {
				continue
			}
			fmt.Printf("  %2d: type %#02x status %#02x first LBA %d sectors %d\n",
				i+1, e.TypeCode, e.Status, e.FirstLBA, e.Sectors)
		}

	case parttable.TypeAPM:
		for i, e := range t.APM.Entries {
			fmt.Printf("  %2d: %-24s %-24s start %d blocks %d\n",
				i+1, e.Name, e.TypeName, e.StartBlock, e.BlockCount)
		}

	case parttable.TypeGPT:
		g := t.GPT
		fmt.Printf("  disk GUID %s, protective MBR valid %v, from backup %v\n",
			g.DiskGUID, g.MBRValid, g.FromBackup)
		for i, e := range g.Entries {
			if e.Empty() {
				continue
			}
			fmt.Printf("  %3d: %-36s %q LBA %d..%d attrs %#016x\n",
				i+1, e.TypeName, e.Name, e.FirstLBA, e.LastLBA, e.Attributes)
		}
	}
}

func exitIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
