package geo

import (
	"time"

	"github.com/123ashny/KENYASHIP/internal/model"
)

// Obfuscate converts a raw fix into its coarse zone form. The output
// carries no raw coordinates; recovering them from a zone id is not
// possible beyond the cell's extent. Movement state is unknown at this
// layer, the cargo monitor derives it from zone history. A zero
// resolution selects the default.
func Obfuscate(raw model.RawCoordinates, at time.Time, res int) model.ObfuscatedLocation {
	if res == 0 {
		res = DefaultResolution
	}
	res = ClampResolution(res)
	return model.ObfuscatedLocation{
		ZoneID:        ZoneID(raw.Lat, raw.Lon, res),
		ApproxTime:    at.UTC().Truncate(time.Minute),
		MovementState: model.MovementUnknown,
		Resolution:    res,
	}
}
