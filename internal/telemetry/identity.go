package telemetry

// Domain is the identifier namespace this integration owns inside the host
// platform's shared device registry. Identifiers tagged with any other domain
// belong to someone else.
const Domain = "renogy"

// DeviceIdentity names one physical device. Immutable once assigned.
type DeviceIdentity struct {
	Domain string
	ID     string
}

func (d DeviceIdentity) String() string {
	return d.Domain + ":" + d.ID
}
