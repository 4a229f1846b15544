package registers

import (
	"strings"

	"github.com/tamzrod/renogy-bridge/internal/telemetry"
)

// Renogy inverters behind a BT-2 module.

var inverterChargingState = map[uint16]string{
	0: "not_charging",
	1: "constant_current",
	2: "constant_voltage",
	4: "float",
	6: "battery_activation",
	7: "battery_disconnect",
}

var inverterMachineState = map[uint16]string{
	0:  "power_on_delay",
	1:  "waiting",
	2:  "initialization",
	3:  "soft_start",
	4:  "mains_operation",
	5:  "inverter_operation",
	6:  "inverter_to_mains",
	7:  "mains_to_inverter",
	10: "shutdown",
	11: "fault",
}

var inverterOutputPriority = map[uint16]string{
	0: "solar",
	1: "line",
	2: "sbu",
}

var inverterHighFaults = map[uint]string{
	15: "input_uvp",
	14: "input_ovp",
	13: "output_overload",
	12: "dcdc_overload",
	11: "dcdc_overcurrent",
	10: "bus_overvoltage",
	9:  "ground_fault",
	8:  "over_temperature",
	7:  "output_short_circuit",
	6:  "output_uvp",
	5:  "output_ovp",
}

var inverterLowFaults = map[uint]string{
	15: "utility_fail",
	14: "battery_low",
	13: "apr_active",
	12: "ups_fail",
	9:  "shutdown_active",
	7:  "fan_locked",
	6:  "inverter_overload",
	5:  "inverter_short_circuit",
	4:  "battery_bad",
}

var inverterBlocks = []Block{
	{
		Name:  "main_status",
		Start: 4000,
		Words: 10,
		Fields: []FieldSpec{
			{Name: "output_voltage", Offset: 2, Kind: U16, Scale: 0.1, Unit: "V"},
			{Name: "output_current", Offset: 3, Kind: U16, Scale: 0.01, Unit: "A"},
			{Name: "output_frequency", Offset: 4, Kind: U16, Scale: 0.01, Unit: "Hz"},
			{Name: "battery_voltage", Offset: 5, Kind: U16, Scale: 0.1, Unit: "V"},
			{Name: "temperature", Offset: 6, Kind: U16, Scale: 0.1, Unit: "°C"},
		},
		Derived: inverterMainStatus,
	},
	{
		Name:  "device_info",
		Start: 4303,
		Words: 24,
		Fields: []FieldSpec{
			{Name: "manufacturer", Offset: 0, Words: 8, Kind: ASCII},
			{Name: "model", Offset: 8, Words: 8, Kind: ASCII},
			{Name: "firmware_version", Offset: 16, Words: 8, Kind: ASCII},
		},
	},
	{
		Name:  "pv_info",
		Start: 4327,
		Words: 7,
		Fields: []FieldSpec{
			{Name: "battery_soc", Offset: 0, Kind: U16, Unit: "%"},
			{Name: "charge_current", Offset: 1, Kind: U16, Scale: 0.1, Unit: "A"},
			{Name: "pv_voltage", Offset: 2, Kind: U16, Scale: 0.1, Unit: "V"},
			{Name: "pv_current", Offset: 3, Kind: U16, Scale: 0.1, Unit: "A"},
			{Name: "pv_power", Offset: 4, Kind: U16, Unit: "W"},
			{Name: "charging_status", Offset: 5, Kind: EnumLoByte, Enum: inverterChargingState},
		},
	},
	{
		Name:  "settings_status",
		Start: 4398,
		Words: 20,
		Fields: []FieldSpec{
			{Name: "machine_state", Offset: 7, Kind: U16, Enum: inverterMachineState},
			{Name: "bus_voltage", Offset: 9, Kind: U16, Scale: 0.1, Unit: "V"},
			{Name: "load_current", Offset: 10, Kind: U16, Scale: 0.1, Unit: "A"},
			{Name: "load_active_power", Offset: 11, Kind: U16, Unit: "W"},
			{Name: "load_apparent_power", Offset: 12, Kind: U16, Unit: "VA"},
			{Name: "load_percentage", Offset: 15, Kind: U16, Unit: "%"},
		},
	},
	{
		Name:  "settings",
		Start: 4441,
		Words: 4,
		Fields: []FieldSpec{
			{Name: "output_priority", Offset: 0, Kind: U16, Enum: inverterOutputPriority},
			{Name: "output_frequency_setting", Offset: 1, Kind: U16, Scale: 0.01, Unit: "Hz"},
		},
		Derived: inverterSettings,
	},
	{
		Name:  "statistics",
		Start: 4543,
		Words: 25,
		Fields: []FieldSpec{
			{Name: "battery_charge_ah_today", Offset: 0, Kind: U16, Unit: "Ah"},
			{Name: "battery_discharge_ah_today", Offset: 1, Kind: U16, Unit: "Ah"},
			{Name: "pv_generation_today", Offset: 2, Kind: U16, Scale: 0.1, Unit: "kWh"},
			{Name: "load_consumption_today", Offset: 3, Kind: U16, Scale: 0.1, Unit: "kWh"},
			{Name: "battery_charge_ah_total", Offset: 7, Kind: U32, Unit: "Ah"},
			{Name: "battery_discharge_ah_total", Offset: 9, Kind: U32, Unit: "Ah"},
			{Name: "pv_generation_total", Offset: 11, Kind: U32, Scale: 0.1, Unit: "kWh"},
			{Name: "load_consumption_total", Offset: 13, Kind: U32, Scale: 0.1, Unit: "kWh"},
		},
	},
}

// Input measurements report 0xFFxx garbage when mains is absent; clamp those
// to zero instead of publishing 6500V.
func inverterSafeValue(raw uint16, scale float64) float64 {
	if raw >= 65000 {
		return 0
	}
	return scaled(float64(raw), scale)
}

func inverterMainStatus(words []uint16) map[string]telemetry.Value {
	if len(words) < 9 {
		return nil
	}

	inputV := inverterSafeValue(words[0], 0.1)
	inputC := inverterSafeValue(words[1], 0.01)

	out := map[string]telemetry.Value{
		"input_voltage": telemetry.Number(inputV, "V"),
		"input_current": telemetry.Number(inputC, "A"),
	}

	var faults []string
	statusHigh := words[7]
	statusLow := words[8]
	for bit, name := range inverterHighFaults {
		if statusHigh&(1<<bit) != 0 {
			faults = append(faults, name)
		}
	}
	for bit, name := range inverterLowFaults {
		if statusLow&(1<<bit) != 0 {
			faults = append(faults, name)
		}
	}

	out["faults"] = telemetry.Text(strings.Join(sorted(faults), ","))
	out["fault_count"] = telemetry.Number(float64(len(faults)), "")
	out["eco_mode"] = boolText(statusHigh&(1<<4) != 0)
	out["ups_line_interactive"] = boolText(statusLow&(1<<11) != 0)
	out["test_in_progress"] = boolText(statusLow&(1<<10) != 0)
	out["beeper_on"] = boolText(statusLow&(1<<8) != 0)

	inputPower := 0.0
	if inputV > 0 && inputC > 0 {
		inputPower = round1(inputV * inputC)
	}
	out["input_power"] = telemetry.Number(inputPower, "W")

	outputV := float64(words[2]) * 0.1
	outputC := float64(words[3]) * 0.01
	out["output_power"] = telemetry.Number(round1(outputV*outputC), "W")

	return out
}

func inverterSettings(words []uint16) map[string]telemetry.Value {
	if len(words) < 4 {
		return nil
	}

	acRange := "narrow"
	if words[2] == 0 {
		acRange = "wide"
	}

	return map[string]telemetry.Value{
		"ac_voltage_range":  telemetry.Text(acRange),
		"power_saving_mode": boolText(words[3] == 1),
	}
}
