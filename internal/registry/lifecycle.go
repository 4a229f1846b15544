package registry

import "github.com/tamzrod/renogy-bridge/internal/telemetry"

// CanRemoveDevice is the host platform's device-removal-eligibility
// predicate. A nil runtime means the entry predates runtime tracking and is
// always removable; otherwise a device is removable only if none of its
// identifiers resolve to a still-managed device.
//
// This only answers the question. Removal itself is the platform's action,
// never ours.
func CanRemoveDevice(rt *Runtime, identifiers []telemetry.DeviceIdentity) bool {
	if rt == nil {
		return true
	}
	return !rt.IsManaged(identifiers)
}
