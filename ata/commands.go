// Copyright 2017-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// ATA command definitions.

package ata

const (
	// ATA commands
	ATA_IDENTIFY_DEVICE = 0xec
	ATA_SET_FEATURES    = 0xef
	ATA_READ_LOG_EXT    = 0x2f
	ATA_READ_LOG_DMA    = 0x47
	ATA_WRITE_LOG_EXT   = 0x3f
	ATA_WRITE_LOG_DMA   = 0x57
	ATA_FLUSH_CACHE_EXT = 0xea
	ATA_READ_DMA_EXT    = 0x25
	ATA_WRITE_DMA_EXT   = 0x35
	ATA_SMART           = 0xb0

	// ATA Security feature set commands
	ATA_SECURITY_SET_PASSWORD     = 0xf1
	ATA_SECURITY_UNLOCK           = 0xf2
	ATA_SECURITY_ERASE_PREPARE    = 0xf3
	ATA_SECURITY_ERASE_UNIT       = 0xf4
	ATA_SECURITY_FREEZE_LOCK      = 0xf5
	ATA_SECURITY_DISABLE_PASSWORD = 0xf6

	// Device Configuration Overlay command and feature register values
	ATA_DCO          = 0xb1
	DCO_RESTORE      = 0xc0
	DCO_FREEZE_LOCK  = 0xc1
	DCO_IDENTIFY     = 0xc2
	DCO_SET          = 0xc3
	DCO_IDENTIFY_DMA = 0xc4
	DCO_SET_DMA      = 0xc5

	// Host Protected Area (28-bit and 48-bit forms)
	ATA_READ_NATIVE_MAX_ADDRESS     = 0xf8
	ATA_SET_MAX_ADDRESS             = 0xf9
	ATA_READ_NATIVE_MAX_ADDRESS_EXT = 0x27
	ATA_SET_MAX_ADDRESS_EXT         = 0x37

	// Accessible Max Address Configuration (ACS-3+). One opcode, feature selects the action.
	ATA_AMAC                = 0x78
	AMAC_GET_NATIVE_MAX     = 0x0000
	AMAC_SET_ACCESSIBLE_MAX = 0x0001
	AMAC_FREEZE_ACCESSIBLE  = 0x0002

	// SET FEATURES subcommands
	SF_CDL_FEATURE = 0x0d

	// SET MAX ADDRESS sub-features (feature register of ATA_SET_MAX_ADDRESS)
	HPA_SET_MAX_ADDRESS  = 0x00
	HPA_SET_MAX_PASSWORD = 0x01
	HPA_SET_MAX_LOCK     = 0x02
	HPA_SET_MAX_UNLOCK   = 0x03
	HPA_SET_MAX_FREEZE   = 0x04

	// ATA feature register values for SMART
	SMART_READ_DATA     = 0xd0
	SMART_READ_LOG      = 0xd5
	SMART_RETURN_STATUS = 0xda

	// Log addresses used by this package
	LOG_IDENTIFY_DEVICE_DATA    = 0x30
	LOG_COMMAND_DURATION_LIMITS = 0x18
	LOG_SATA_PHY_EVENT_COUNTERS = 0x11

	// Identify Device Data log pages
	IDD_PAGE_SUPPORTED_CAPABILITIES = 0x03
	IDD_PAGE_CURRENT_SETTINGS       = 0x04
)
