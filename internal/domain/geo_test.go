package domain

import (
	"errors"
	"math"
	"testing"
)

// offsetNorth returns a point d meters due north of p.
func offsetNorth(p GeoPoint, d float64) GeoPoint {
	return GeoPoint{Latitude: p.Latitude + (d/earthRadiusMeters)*180/math.Pi, Longitude: p.Longitude}
}

func testSite(t *testing.T) OfficeSite {
	t.Helper()
	site, err := NewOfficeSite("hq", "Head Office", GeoPoint{Latitude: -6.2, Longitude: 106.816666}, 50)
	if err != nil {
		t.Fatalf("NewOfficeSite() error = %v", err)
	}
	return site
}

func TestVerifyRadiusBoundary(t *testing.T) {
	site := testSite(t)

	res, err := Verify(offsetNorth(site.Center, 49), site)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !res.WithinRange {
		t.Fatalf("expected 49m to be within range, got %+v", res)
	}
	if math.Abs(res.DistanceMeters-49) > 0.01 {
		t.Fatalf("unexpected distance %.4f", res.DistanceMeters)
	}

	res, err = Verify(offsetNorth(site.Center, 51), site)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if res.WithinRange {
		t.Fatalf("expected 51m to be out of range, got %+v", res)
	}
}

func TestVerifyAnyOutOfRange(t *testing.T) {
	site := testSite(t)
	res, err := VerifyAny(offsetNorth(site.Center, 51), []OfficeSite{site})
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if res.SiteID != "hq" || res.WithinRange {
		t.Fatalf("expected nearest site result, got %+v", res)
	}
	if _, err := VerifyAny(site.Center, nil); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for empty sites, got %v", err)
	}
}

func TestVerifyAnyPicksNearestMatchingSite(t *testing.T) {
	near := testSite(t)
	far, err := NewOfficeSite("annex", "", offsetNorth(near.Center, 30), 500)
	if err != nil {
		t.Fatalf("NewOfficeSite() error = %v", err)
	}
	if far.Name != "annex" {
		t.Fatalf("expected name to default to id, got %q", far.Name)
	}
	res, err := VerifyAny(offsetNorth(near.Center, 5), []OfficeSite{far, near})
	if err != nil {
		t.Fatalf("VerifyAny() error = %v", err)
	}
	if res.SiteID != "hq" {
		t.Fatalf("expected nearest site hq, got %q", res.SiteID)
	}
}

func TestDistanceSymmetricAndZero(t *testing.T) {
	pairs := [][2]GeoPoint{
		{{Latitude: 51.5007, Longitude: -0.1246}, {Latitude: 40.6892, Longitude: -74.0445}},
		{{Latitude: -33.8568, Longitude: 151.2153}, {Latitude: 35.6586, Longitude: 139.7454}},
		{{Latitude: 0.1, Longitude: 179.9}, {Latitude: -0.1, Longitude: -179.9}},
	}
	for _, pair := range pairs {
		ab, err := Distance(pair[0], pair[1])
		if err != nil {
			t.Fatalf("Distance() error = %v", err)
		}
		ba, err := Distance(pair[1], pair[0])
		if err != nil {
			t.Fatalf("Distance() error = %v", err)
		}
		if ab != ba {
			t.Fatalf("expected exact symmetry, got %v and %v", ab, ba)
		}
	}

	p := GeoPoint{Latitude: 12.5, Longitude: -45.25}
	d, err := Distance(p, p)
	if err != nil {
		t.Fatalf("Distance() error = %v", err)
	}
	if d != 0 {
		t.Fatalf("expected zero distance, got %v", d)
	}
}

func TestDistanceRejectsInvalidCoordinates(t *testing.T) {
	valid := GeoPoint{Latitude: 10, Longitude: 10}
	cases := []GeoPoint{
		{Latitude: 91, Longitude: 0},
		{Latitude: 0, Longitude: 181},
		{Latitude: -90.0001, Longitude: 0},
		{Latitude: math.NaN(), Longitude: 0},
		{Latitude: 0, Longitude: math.Inf(1)},
		{Latitude: 0, Longitude: 0, Accuracy: -1},
	}
	for _, tc := range cases {
		if _, err := Distance(tc, valid); !errors.Is(err, ErrInvalidCoordinates) {
			t.Fatalf("expected ErrInvalidCoordinates for %+v, got %v", tc, err)
		}
		if _, err := Distance(valid, tc); !errors.Is(err, ErrInvalidCoordinates) {
			t.Fatalf("expected ErrInvalidCoordinates for %+v, got %v", tc, err)
		}
	}
	if !errors.Is(ErrInvalidCoordinates, ErrValidation) {
		t.Fatal("expected ErrInvalidCoordinates to be a validation error")
	}
}

func TestDistanceRejectsAntipodalPoints(t *testing.T) {
	_, err := Distance(GeoPoint{Latitude: 10, Longitude: 20}, GeoPoint{Latitude: -10, Longitude: -160})
	if !errors.Is(err, ErrInvalidCoordinates) {
		t.Fatalf("expected ErrInvalidCoordinates, got %v", err)
	}
}

func TestNewOfficeSiteValidation(t *testing.T) {
	if _, err := NewOfficeSite(" ", "x", GeoPoint{}, 10); err != ErrInvalidID {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, err := NewOfficeSite("hq", "x", GeoPoint{}, 0); !errors.Is(err, ErrInvalidSite) {
		t.Fatalf("expected ErrInvalidSite, got %v", err)
	}
	if _, err := NewOfficeSite("hq", "x", GeoPoint{Latitude: 100}, 10); !errors.Is(err, ErrInvalidCoordinates) {
		t.Fatalf("expected ErrInvalidCoordinates, got %v", err)
	}
}
