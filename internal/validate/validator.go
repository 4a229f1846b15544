// Package validate filters implausible telemetry readings. Some charge
// controllers (Rover 40 in particular) occasionally emit garbage spikes; a
// rejected value is replaced by the last known good one instead of being
// published.
package validate

import (
	"fmt"
	"math"

	"github.com/tamzrod/renogy-bridge/internal/telemetry"
)

// Limit is (min, max, max change per update) for one field.
type Limit struct {
	Min       float64
	Max       float64
	MaxChange float64
}

// Base limits for a 12V system.
var controllerBaseLimits = map[string]Limit{
	"battery_voltage":             {0, 20, 5},
	"battery_current":             {-100, 100, 50},
	"battery_percentage":          {0, 100, 50},
	"battery_temperature":         {-40, 85, 20},
	"charging_amp_hours_today":    {0, 10000, 200},
	"discharging_amp_hours_today": {0, 10000, 200},
	"pv_voltage":                  {0, 30, 10},
	"pv_current":                  {0, 100, 50},
	"pv_power":                    {0, 5000, 2000},
	"max_charging_power_today":    {0, 5000, 5000},
	"power_generation_today":      {0, 50000, 50000},
	"power_generation_total":      {0, 1000000000, 100000},
	"load_voltage":                {0, 20, 20},
	"load_current":                {0, 20, 20},
	"load_power":                  {0, 3000, 1500},
	"power_consumption_today":     {0, 50000, 50000},
	"max_discharging_power_today": {0, 3000, 3000},
	"controller_temperature":      {-40, 85, 20},
}

// Max and MaxChange of these scale with the nominal system voltage
// (12V -> 1x, 24V -> 2x, 48V -> 4x).
var voltageScaledFields = map[string]bool{
	"battery_voltage": true,
	"pv_voltage":      true,
	"load_voltage":    true,
}

// ControllerLimits returns the limit table scaled for a system voltage.
func ControllerLimits(systemVoltage int) map[string]Limit {
	mult := float64(systemVoltage) / 12
	if mult < 1 {
		mult = 1
	}

	limits := make(map[string]Limit, len(controllerBaseLimits))
	for name, l := range controllerBaseLimits {
		if voltageScaledFields[name] {
			l.Max *= mult
			l.MaxChange *= mult
		}
		limits[name] = l
	}
	return limits
}

// Rejection records one filtered value.
type Rejection struct {
	Field  string
	Value  float64
	Reason string
}

// Validator holds per-device last-known-good history. Not safe for
// concurrent use; each session owns its own.
type Validator struct {
	limits   map[string]Limit
	lastGood map[string]float64

	rejected int
	byField  map[string]int
}

// NewController builds a validator for a charge controller on the given
// nominal system voltage. Other device types have no limit tables and need
// no validator.
func NewController(systemVoltage int) *Validator {
	return &Validator{
		limits:   ControllerLimits(systemVoltage),
		lastGood: make(map[string]float64),
		byField:  make(map[string]int),
	}
}

// Validate filters fields in place of publishing bad data: out-of-range or
// spiking numeric values are replaced with the last good value when one
// exists, otherwise dropped for this cycle.
func (v *Validator) Validate(fields map[string]telemetry.Value) (map[string]telemetry.Value, []Rejection) {
	var rejections []Rejection

	out := make(map[string]telemetry.Value, len(fields))
	for name, val := range fields {
		limit, limited := v.limits[name]
		if !limited || val.Kind != telemetry.KindNumber {
			out[name] = val
			continue
		}

		reason := ""
		switch {
		case val.Number < limit.Min:
			reason = fmt.Sprintf("below_minimum (value=%v, min=%v)", val.Number, limit.Min)
		case val.Number > limit.Max:
			reason = fmt.Sprintf("above_maximum (value=%v, max=%v)", val.Number, limit.Max)
		default:
			if last, ok := v.lastGood[name]; ok {
				if change := math.Abs(val.Number - last); change > limit.MaxChange {
					reason = fmt.Sprintf("spike_detected (value=%v, last=%v, change=%.2f, max_change=%v)",
						val.Number, last, change, limit.MaxChange)
				}
			}
		}

		if reason == "" {
			v.lastGood[name] = val.Number
			out[name] = val
			continue
		}

		rejections = append(rejections, Rejection{Field: name, Value: val.Number, Reason: reason})
		v.rejected++
		v.byField[name]++

		if last, ok := v.lastGood[name]; ok {
			val.Number = last
			out[name] = val
		}
	}

	return out, rejections
}

// Stats reports total rejections and the per-field breakdown.
func (v *Validator) Stats() (total int, byField map[string]int) {
	byField = make(map[string]int, len(v.byField))
	for k, n := range v.byField {
		byField[k] = n
	}
	return v.rejected, byField
}
