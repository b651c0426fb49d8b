// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package psylink

import (
	"fmt"
	"strings"

	"github.com/Thermoquad/qc3tune/pkg/psy"
)

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet) string {
	timestamp := p.timestamp.Format("15:04:05.000")
	result := fmt.Sprintf("[%s] %s (0x%02X) seq=%d len=%d\n",
		timestamp, FormatMessageType(p.Type()), p.Type(), p.seq, p.length)
	if err := p.ParseError(); err != nil {
		return result + fmt.Sprintf("  (bad payload: %v)\n", err)
	}
	return result + FormatPayloadMap(p.Type(), p.PayloadMap())
}

// FormatMessageType returns the human-readable name for a message type
func FormatMessageType(msgType uint8) string {
	switch msgType {
	case MsgGetProperty:
		return "GET_PROPERTY"
	case MsgSetProperty:
		return "SET_PROPERTY"
	case MsgEndpointQuery:
		return "ENDPOINT_QUERY"
	case MsgPingRequest:
		return "PING_REQUEST"

	case MsgPropertyValue:
		return "PROPERTY_VALUE"
	case MsgSetAck:
		return "SET_ACK"
	case MsgEndpointStatus:
		return "ENDPOINT_STATUS"
	case MsgSupplyChanged:
		return "SUPPLY_CHANGED"
	case MsgPingResponse:
		return "PING_RESPONSE"

	case MsgErrorUnavailable:
		return "ERROR_UNAVAILABLE"
	case MsgErrorAccess:
		return "ERROR_ACCESS"
	case MsgErrorInvalidCmd:
		return "ERROR_INVALID_CMD"

	default:
		return "UNKNOWN"
	}
}

// FormatPayloadMap formats the CBOR payload map based on message type
func FormatPayloadMap(msgType uint8, m map[int]interface{}) string {
	ep, _ := GetMapString(m, 0)
	prop, _ := GetMapUint(m, 1)
	value, _ := GetMapInt(m, 2)
	propName := psy.Property(prop).String()

	switch msgType {
	case MsgPingRequest:
		return "  (no payload)\n"

	case MsgPingResponse:
		uptime, _ := GetMapUint(m, 0)
		return fmt.Sprintf("  Uptime: %s\n", FormatUptime(uptime))

	case MsgGetProperty:
		return fmt.Sprintf("  %s/%s\n", ep, propName)

	case MsgSetProperty:
		return fmt.Sprintf("  %s/%s = %s\n", ep, propName, formatValue(psy.Property(prop), value, true))

	case MsgPropertyValue:
		return fmt.Sprintf("  %s/%s = %s\n", ep, propName, formatValue(psy.Property(prop), value, false))

	case MsgSetAck:
		return fmt.Sprintf("  %s/%s written\n", ep, propName)

	case MsgEndpointQuery, MsgSupplyChanged, MsgErrorUnavailable:
		return fmt.Sprintf("  Endpoint: %s\n", ep)

	case MsgEndpointStatus:
		available, _ := GetMapBool(m, 1)
		return fmt.Sprintf("  Endpoint: %s, Available: %v\n", ep, available)

	case MsgErrorAccess:
		return fmt.Sprintf("  %s/%s failed, code %d\n", ep, propName, value)

	case MsgErrorInvalidCmd:
		t, _ := GetMapUint(m, 0)
		return fmt.Sprintf("  Rejected: %s (0x%02X)\n", FormatMessageType(uint8(t)), t)

	default:
		return fmt.Sprintf("  %v\n", m)
	}
}

// formatValue renders a property value in its natural unit. DP/DM writes are
// commands while DP/DM reads are the pulse count.
func formatValue(prop psy.Property, v int64, write bool) string {
	switch prop {
	case psy.PropVoltageNow:
		return fmt.Sprintf("%.3f V", float64(v)/1e6)
	case psy.PropInputCurrentMax:
		return fmt.Sprintf("%.3f A", float64(v)/1e6)
	case psy.PropType:
		return fmt.Sprintf("%s (%d)", formatSourceType(int(v)), v)
	case psy.PropDpDm:
		if write {
			return fmt.Sprintf("%s (%d)", formatDpDm(int(v)), v)
		}
		return fmt.Sprintf("%d pulses", v)
	}
	return fmt.Sprintf("%d", v)
}

func formatDpDm(cmd int) string {
	switch cmd {
	case psy.DpDmPrepare:
		return "PREPARE"
	case psy.DpDmConfirmedHVDCP3:
		return "CONFIRMED_HVDCP3"
	case psy.DpDmDpPulse:
		return "DP_PULSE"
	case psy.DpDmDmPulse:
		return "DM_PULSE"
	default:
		return "UNKNOWN"
	}
}

func formatSourceType(t int) string {
	switch t {
	case psy.TypeUSB:
		return "USB"
	case psy.TypeUSBDCP:
		return "USB_DCP"
	case psy.TypeUSBCDP:
		return "USB_CDP"
	case psy.TypeUSBHVDCP:
		return "USB_HVDCP"
	case psy.TypeUSBHVDCP3:
		return "USB_HVDCP_3"
	default:
		return "UNKNOWN"
	}
}

// FormatUptime converts milliseconds to a compact duration such as
// "2d 3h 4m 5s".
func FormatUptime(ms uint64) string {
	seconds := ms / 1000
	if seconds == 0 {
		return fmt.Sprintf("%d ms", ms)
	}

	days := seconds / 86400
	seconds %= 86400
	hours := seconds / 3600
	seconds %= 3600
	minutes := seconds / 60
	seconds %= 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	return strings.Join(parts, " ")
}
