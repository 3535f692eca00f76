package aoi

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/3leaps/climgrid/pkg/crs"
)

// legacyCRS is the pre-RFC 7946 "crs" member, still written by many GIS tools.
type legacyCRS struct {
	Type       string `json:"type"`
	Properties struct {
		Name string `json:"name"`
		Code int    `json:"code"`
	} `json:"properties"`
}

type geoJSONHead struct {
	Type string     `json:"type"`
	CRS  *legacyCRS `json:"crs"`
}

// FromGeoJSON decodes a FeatureCollection, Feature or bare geometry.
// All polygonal features are merged into one multi-polygon.
func FromGeoJSON(data []byte) (*AOI, error) {
	var head geoJSONHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}

	id := crs.CRS84
	if head.CRS != nil {
		name := head.CRS.Properties.Name
		if name == "" && head.CRS.Properties.Code != 0 {
			name = fmt.Sprintf("EPSG:%d", head.CRS.Properties.Code)
		}
		parsed, err := crs.Normalize(name)
		if err != nil {
			return nil, err
		}
		if parsed != crs.Unknown {
			id = parsed
		}
	}

	var geoms orb.Collection
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("decode feature collection: %w", err)
		}
		for _, f := range fc.Features {
			if f.Geometry != nil {
				geoms = append(geoms, f.Geometry)
			}
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("decode feature: %w", err)
		}
		if f.Geometry != nil {
			geoms = append(geoms, f.Geometry)
		}
	case "":
		return nil, fmt.Errorf("decode geojson: missing type")
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("decode geometry: %w", err)
		}
		geoms = append(geoms, g.Geometry())
	}

	mp, err := toMultiPolygon(geoms)
	if err != nil {
		return nil, err
	}
	return &AOI{Geometry: mp, CRS: id}, nil
}
