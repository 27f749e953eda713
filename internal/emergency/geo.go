package emergency

import (
	"math"
	"sort"

	"github.com/damso/damso/internal/database/models"
)

const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance in kilometres between two
// points given in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

// AgencyDistance is an agency with its distance from a point.
type AgencyDistance struct {
	models.EmergencyAgency
	DistanceKm float64
}

// FilterNearest keeps the agencies within radiusKm of (lat, lon), boundary
// included, sorted nearest first and truncated to limit.
func FilterNearest(agencies []models.EmergencyAgency, lat, lon, radiusKm float64, limit int) []AgencyDistance {
	out := make([]AgencyDistance, 0, len(agencies))
	for _, a := range agencies {
		d := Haversine(lat, lon, a.Latitude, a.Longitude)
		if d <= radiusKm {
			out = append(out, AgencyDistance{EmergencyAgency: a, DistanceKm: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
