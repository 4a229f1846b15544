package registers

import (
	"strings"

	"github.com/tamzrod/renogy-bridge/internal/telemetry"
)

// Rover/Wanderer charge controllers behind a BT-1 module.

var controllerChargingState = map[uint16]string{
	0: "deactivated",
	1: "activated",
	2: "mppt",
	3: "equalizing",
	4: "boost",
	5: "floating",
	6: "current_limiting",
}

var controllerBatteryType = map[uint16]string{
	1: "open",
	2: "sealed",
	3: "gel",
	4: "lithium",
	5: "custom",
}

// Fault bits of the 32-bit word at registers 289-290.
var controllerFaultBits = map[uint]string{
	30: "charge_mos_short_circuit",
	29: "anti_reverse_mos_short",
	28: "solar_panel_reversed",
	27: "pv_working_point_overvoltage",
	26: "pv_counter_current",
	25: "pv_input_overvoltage",
	24: "pv_input_short_circuit",
	23: "pv_input_overpower",
	22: "ambient_temp_too_high",
	21: "controller_temp_too_high",
	20: "load_overpower",
	19: "load_short_circuit",
	17: "battery_overvoltage",
	16: "battery_over_discharge",
}

var controllerBlocks = []Block{
	{
		Name:  "device_info",
		Start: 12,
		Words: 8,
		Fields: []FieldSpec{
			{Name: "model", Offset: 0, Words: 8, Kind: ASCII},
		},
	},
	{
		Name:  "device_id",
		Start: 26,
		Words: 1,
		Fields: []FieldSpec{
			{Name: "device_id", Offset: 0, Kind: U16},
		},
	},
	{
		Name:  "charging_info",
		Start: 256,
		Words: 34,
		Fields: []FieldSpec{
			{Name: "battery_percentage", Offset: 0, Kind: U16, Unit: "%"},
			{Name: "battery_voltage", Offset: 1, Kind: U16, Scale: 0.1, Unit: "V"},
			{Name: "battery_current", Offset: 2, Kind: U16, Scale: 0.01, Unit: "A"},
			{Name: "controller_temperature", Offset: 3, Kind: TempHiByte, Unit: "°C"},
			{Name: "battery_temperature", Offset: 3, Kind: TempLoByte, Unit: "°C"},
			{Name: "load_voltage", Offset: 4, Kind: U16, Scale: 0.1, Unit: "V"},
			{Name: "load_current", Offset: 5, Kind: U16, Scale: 0.01, Unit: "A"},
			{Name: "load_power", Offset: 6, Kind: U16, Unit: "W"},
			{Name: "pv_voltage", Offset: 7, Kind: U16, Scale: 0.1, Unit: "V"},
			{Name: "pv_current", Offset: 8, Kind: U16, Scale: 0.01, Unit: "A"},
			{Name: "pv_power", Offset: 9, Kind: U16, Unit: "W"},
			{Name: "max_charging_power_today", Offset: 15, Kind: U16, Unit: "W"},
			{Name: "max_discharging_power_today", Offset: 16, Kind: U16, Unit: "W"},
			{Name: "charging_amp_hours_today", Offset: 17, Kind: U16, Unit: "Ah"},
			{Name: "discharging_amp_hours_today", Offset: 18, Kind: U16, Unit: "Ah"},
			{Name: "power_generation_today", Offset: 19, Kind: U16, Unit: "Wh"},
			{Name: "power_consumption_today", Offset: 20, Kind: U16, Unit: "Wh"},
			{Name: "power_generation_total", Offset: 28, Kind: U32, Unit: "Wh"},
			{Name: "charging_status", Offset: 32, Kind: EnumLoByte, Enum: controllerChargingState},
		},
		Derived: controllerLoadStatus,
	},
	{
		Name:    "faults",
		Start:   289,
		Words:   2,
		Derived: controllerFaults,
	},
	{
		Name:  "battery_type",
		Start: 57348,
		Words: 1,
		Fields: []FieldSpec{
			{Name: "battery_type", Offset: 0, Kind: U16, Enum: controllerBatteryType},
		},
	},
	{
		Name:    "historical",
		Start:   60000,
		Words:   21,
		Derived: controllerHistorical,
	},
}

// Load on/off sits in bit 7 of the high byte of word 32, next to the
// charging state byte.
func controllerLoadStatus(words []uint16) map[string]telemetry.Value {
	if len(words) < 33 {
		return nil
	}
	state := "off"
	if words[32]>>8&0x80 != 0 {
		state = "on"
	}
	return map[string]telemetry.Value{"load_status": telemetry.Text(state)}
}

func controllerFaults(words []uint16) map[string]telemetry.Value {
	if len(words) < 2 {
		return nil
	}
	bits := uint32(words[0])<<16 | uint32(words[1])

	var faults, warnings []string
	for bit, name := range controllerFaultBits {
		if bits&(1<<bit) != 0 {
			faults = append(faults, name)
		}
	}
	// Bit 18 is a warning, not a fault.
	if bits&(1<<18) != 0 {
		warnings = append(warnings, "battery_undervoltage")
	}

	return map[string]telemetry.Value{
		"faults":        telemetry.Text(strings.Join(sorted(faults), ",")),
		"warnings":      telemetry.Text(strings.Join(sorted(warnings), ",")),
		"fault_count":   telemetry.Number(float64(len(faults)), ""),
		"warning_count": telemetry.Number(float64(len(warnings)), ""),
	}
}

// Seven days of history: generation, charge Ah, peak power.
func controllerHistorical(words []uint16) map[string]telemetry.Value {
	if len(words) < 21 {
		return nil
	}
	out := make(map[string]telemetry.Value, 21)
	for day := 0; day < 7; day++ {
		out[dayField("power_generation_day", day)] = telemetry.Number(float64(words[day]), "Wh")
		out[dayField("charge_ah_day", day)] = telemetry.Number(float64(words[7+day]), "Ah")
		out[dayField("max_power_day", day)] = telemetry.Number(float64(words[14+day]), "W")
	}
	return out
}
