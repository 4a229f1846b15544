package registers

import (
	"fmt"
	"strings"

	"github.com/tamzrod/renogy-bridge/internal/telemetry"
)

// LiFePO4 smart batteries behind a BT-2 module.

var batteryStatus1Faults = map[uint]string{
	15: "module_undervoltage",
	14: "charge_overtemp",
	13: "charge_undertemp",
	12: "discharge_overtemp",
	11: "discharge_undertemp",
	10: "discharge_overcurrent1",
	9:  "charge_overcurrent1",
	8:  "cell_overvoltage",
	7:  "cell_undervoltage",
	6:  "module_overvoltage",
	5:  "discharge_overcurrent2",
	4:  "charge_overcurrent2",
	0:  "short_circuit",
}

var batteryStatus3Warnings = map[uint]string{
	7: "discharge_high_temp",
	6: "discharge_low_temp",
	5: "charge_high_temp",
	4: "charge_low_temp",
	3: "module_high_voltage",
	2: "module_low_voltage",
	1: "cell_high_voltage",
	0: "cell_low_voltage",
}

var batteryBlocks = []Block{
	{
		Name:    "cell_info",
		Start:   5000,
		Words:   17,
		Derived: batteryCellInfo,
	},
	{
		Name:    "temp_info",
		Start:   5017,
		Words:   17,
		Derived: batteryTempInfo,
	},
	{
		Name:  "battery_info",
		Start: 5042,
		Words: 8,
		Fields: []FieldSpec{
			{Name: "current", Offset: 0, Kind: S16, Scale: 0.01, Unit: "A"},
			{Name: "voltage", Offset: 1, Kind: U16, Scale: 0.1, Unit: "V"},
			{Name: "remaining_capacity", Offset: 2, Kind: U32, Scale: 0.001, Unit: "Ah"},
			{Name: "total_capacity", Offset: 4, Kind: U32, Scale: 0.001, Unit: "Ah"},
		},
		Derived: batteryComputed,
	},
	{
		Name:    "status_info",
		Start:   5100,
		Words:   10,
		Derived: batteryStatusInfo,
	},
	{
		Name:  "device_info",
		Start: 5122,
		Words: 8,
		Fields: []FieldSpec{
			{Name: "model", Offset: 0, Words: 8, Kind: ASCII},
		},
	},
}

// Count-prefixed array of cell voltages.
func batteryCellInfo(words []uint16) map[string]telemetry.Value {
	if len(words) < 2 {
		return nil
	}

	count := int(words[0])
	if count > 16 {
		count = 16
	}

	out := map[string]telemetry.Value{
		"cell_count": telemetry.Number(float64(count), ""),
	}
	for i := 0; i < count && 1+i < len(words); i++ {
		name := fmt.Sprintf("cell_%d_voltage", i+1)
		out[name] = telemetry.Number(scaled(float64(words[1+i]), 0.1), "V")
	}
	return out
}

func batteryTempInfo(words []uint16) map[string]telemetry.Value {
	if len(words) < 2 {
		return nil
	}

	count := int(words[0])
	if count > 8 {
		count = 8
	}

	out := map[string]telemetry.Value{
		"temperature_count": telemetry.Number(float64(count), ""),
	}
	for i := 0; i < count && 1+i < len(words); i++ {
		t := round1(float64(int16(words[1+i])) * 0.1)
		out[fmt.Sprintf("temperature_%d", i+1)] = telemetry.Number(t, "°C")
		if i == 0 {
			out["battery_temperature"] = telemetry.Number(t, "°C")
		}
	}
	return out
}

// State of charge and power are not registers; they fall out of the scalars.
func batteryComputed(words []uint16) map[string]telemetry.Value {
	if len(words) < 6 {
		return nil
	}

	current := float64(int16(words[0])) * 0.01
	voltage := float64(words[1]) * 0.1
	remaining := float64(uint32(words[2])<<16|uint32(words[3])) * 0.001
	total := float64(uint32(words[4])<<16|uint32(words[5])) * 0.001

	soc := 0.0
	if total > 0 {
		soc = round1(remaining / total * 100)
	}

	return map[string]telemetry.Value{
		"soc":   telemetry.Number(soc, "%"),
		"power": telemetry.Number(round1(voltage*current), "W"),
	}
}

func batteryStatusInfo(words []uint16) map[string]telemetry.Value {
	if len(words) < 10 {
		return nil
	}

	var alarms, warnings []string

	// Words 0-1: per-cell voltage alarm codes, two bits each.
	cellVolt := uint32(words[0])<<16 | uint32(words[1])
	for cell := 0; cell < 16; cell++ {
		switch cellVolt >> (uint(cell) * 2) & 0x03 {
		case 1:
			alarms = append(alarms, fmt.Sprintf("cell_%d_undervoltage", cell+1))
		case 2:
			alarms = append(alarms, fmt.Sprintf("cell_%d_overvoltage", cell+1))
		case 3:
			alarms = append(alarms, fmt.Sprintf("cell_%d_voltage_alarm", cell+1))
		}
	}

	// Words 2-3: per-cell temperature alarm codes.
	cellTemp := uint32(words[2])<<16 | uint32(words[3])
	for cell := 0; cell < 16; cell++ {
		switch cellTemp >> (uint(cell) * 2) & 0x03 {
		case 1:
			alarms = append(alarms, fmt.Sprintf("cell_%d_undertemp", cell+1))
		case 2:
			alarms = append(alarms, fmt.Sprintf("cell_%d_overtemp", cell+1))
		case 3:
			alarms = append(alarms, fmt.Sprintf("cell_%d_temp_alarm", cell+1))
		}
	}

	// Word 6: protection status bits.
	status1 := words[6]
	for bit, name := range batteryStatus1Faults {
		if status1&(1<<bit) != 0 {
			alarms = append(alarms, name)
		}
	}

	// Word 8: warnings.
	status3 := words[8]
	for bit, name := range batteryStatus3Warnings {
		if status3&(1<<bit) != 0 {
			warnings = append(warnings, name)
		}
	}
	for i := 0; i < 8; i++ {
		if status3&(1<<(8+uint(i))) != 0 {
			warnings = append(warnings, fmt.Sprintf("cell_%d_voltage_error", 11+i))
		}
	}

	status2 := words[7]
	status4 := words[9]

	return map[string]telemetry.Value{
		"alarms":              telemetry.Text(strings.Join(sorted(alarms), ",")),
		"warnings":            telemetry.Text(strings.Join(sorted(warnings), ",")),
		"alarm_count":         telemetry.Number(float64(len(alarms)), ""),
		"warning_count":       telemetry.Number(float64(len(warnings)), ""),
		"using_battery_power": boolText(status1&(1<<3) != 0),
		"discharge_mosfet":    onOff(status1&(1<<2) != 0),
		"charge_mosfet":       onOff(status1&(1<<1) != 0),
		"effective_charge":    boolText(status2&(1<<15) != 0),
		"effective_discharge": boolText(status2&(1<<14) != 0),
		"heater_on":           boolText(status2&(1<<13) != 0),
		"fully_charged":       boolText(status2&(1<<11) != 0),
		"discharge_enabled":   boolText(status4&(1<<7) != 0),
		"charge_enabled":      boolText(status4&(1<<6) != 0),
		"charge_immediately":  boolText(status4&(1<<5) != 0),
	}
}

func onOff(b bool) telemetry.Value {
	if b {
		return telemetry.Text("on")
	}
	return telemetry.Text("off")
}

func boolText(b bool) telemetry.Value {
	if b {
		return telemetry.Text("true")
	}
	return telemetry.Text("false")
}
