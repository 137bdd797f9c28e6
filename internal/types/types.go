// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package types

// LPMKeyV4 matches struct lpm_key_v4 of the monitored_v4 trie.
// Addr is in network byte order.
type LPMKeyV4 struct {
	PrefixLen uint32
	Addr      [4]byte
}

// LPMKeyV6 matches struct lpm_key_v6 of the monitored_v6 trie.
type LPMKeyV6 struct {
	PrefixLen uint32
	Addr      [16]byte
}

// MonitoredValue matches struct monitored_value: the calc_idx action
// parameters of a monitored prefix.
type MonitoredValue struct {
	BaseIdx   uint32
	Mask      uint32
	MeterBase uint32
	_         uint32
}

// MeterValue matches struct meter_spec of the dark_meter arrays.
type MeterValue struct {
	CIRPps  uint64
	PIRPps  uint64
	CBSPkts uint64
	PBSPkts uint64
}

// PortValue matches struct port_value of the ports hash.
type PortValue struct {
	Direction uint8
	_         [3]byte
}

const (
	DirIncoming = 0
	DirOutgoing = 1
)

// CtlIPProto is the IP protocol number of data plane control packets that
// announce an address as active to the software capture path.
const CtlIPProto = 146

const (
	GlobalInactive = 0
	GlobalActive   = 1
)
