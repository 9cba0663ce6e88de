package domain

import (
	"fmt"
	"math"
	"strings"
)

// earthRadiusMeters is the IUGG mean Earth radius.
const earthRadiusMeters = 6371008.8

// antipodalTolerance bounds how close 1-h may get to zero before the great-circle path is undefined.
const antipodalTolerance = 1e-12

// GeoPoint is one WGS84 coordinate with an optional accuracy radius in meters (0 = unknown).
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Validate rejects out-of-range or non-finite coordinates. It never clamps.
func (p GeoPoint) Validate() error {
	if !isFinite(p.Latitude) || !isFinite(p.Longitude) || !isFinite(p.Accuracy) {
		return ErrInvalidCoordinates
	}
	if math.Abs(p.Latitude) > 90 || math.Abs(p.Longitude) > 180 {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidCoordinates, p.Latitude, p.Longitude)
	}
	if p.Accuracy < 0 {
		return fmt.Errorf("%w: negative accuracy %v", ErrInvalidCoordinates, p.Accuracy)
	}
	return nil
}

// OfficeSite is a circular geofence around a site center.
type OfficeSite struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Center       GeoPoint `json:"center"`
	RadiusMeters float64  `json:"radius_meters"`
}

// NewOfficeSite validates and normalizes one site definition.
func NewOfficeSite(id, name string, center GeoPoint, radiusMeters float64) (OfficeSite, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	if id == "" {
		return OfficeSite{}, ErrInvalidID
	}
	if name == "" {
		name = id
	}
	if err := center.Validate(); err != nil {
		return OfficeSite{}, fmt.Errorf("site %q center: %w", id, err)
	}
	if !isFinite(radiusMeters) || radiusMeters <= 0 {
		return OfficeSite{}, fmt.Errorf("%w: site %q radius must be > 0", ErrInvalidSite, id)
	}
	return OfficeSite{
		ID:           id,
		Name:         name,
		Center:       GeoPoint{Latitude: center.Latitude, Longitude: center.Longitude},
		RadiusMeters: radiusMeters,
	}, nil
}

// GeofenceResult reports the outcome of one geofence check.
type GeofenceResult struct {
	WithinRange    bool    `json:"within_range"`
	DistanceMeters float64 `json:"distance_meters"`
	SiteID         string  `json:"site_id,omitempty"`
}

// Distance returns the haversine great-circle distance in meters.
// The pair is put in canonical order first so Distance(a, b) == Distance(b, a) exactly.
func Distance(a, b GeoPoint) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	if pointLess(b, a) {
		a, b = b, a
	}
	if a.Latitude == b.Latitude && a.Longitude == b.Longitude {
		return 0, nil
	}

	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	if 1-h <= antipodalTolerance {
		return 0, fmt.Errorf("%w: antipodal points have no unique great-circle path", ErrInvalidCoordinates)
	}
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h)), nil
}

// Verify checks one point against one site.
func Verify(point GeoPoint, site OfficeSite) (GeofenceResult, error) {
	distance, err := Distance(point, site.Center)
	if err != nil {
		return GeofenceResult{}, err
	}
	return GeofenceResult{
		WithinRange:    distance <= site.RadiusMeters,
		DistanceMeters: distance,
		SiteID:         site.ID,
	}, nil
}

// VerifyAny passes when the point is inside any site and returns the nearest matching site.
// Otherwise it returns the nearest site's result together with ErrOutOfRange.
func VerifyAny(point GeoPoint, sites []OfficeSite) (GeofenceResult, error) {
	if err := point.Validate(); err != nil {
		return GeofenceResult{}, err
	}
	var (
		best    GeofenceResult
		nearest GeofenceResult
		found   bool
		checked bool
	)
	for _, site := range sites {
		res, err := Verify(point, site)
		if err != nil {
			return GeofenceResult{}, err
		}
		if !checked || res.DistanceMeters < nearest.DistanceMeters {
			nearest = res
			checked = true
		}
		if res.WithinRange && (!found || res.DistanceMeters < best.DistanceMeters) {
			best = res
			found = true
		}
	}
	if found {
		return best, nil
	}
	if !checked {
		return GeofenceResult{}, fmt.Errorf("%w: no office sites configured", ErrOutOfRange)
	}
	return nearest, fmt.Errorf("%w: nearest site %q is %.1fm away", ErrOutOfRange, nearest.SiteID, nearest.DistanceMeters)
}

// pointLess orders points by latitude, then longitude.
func pointLess(a, b GeoPoint) bool {
	if a.Latitude != b.Latitude {
		return a.Latitude < b.Latitude
	}
	return a.Longitude < b.Longitude
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
