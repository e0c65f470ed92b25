package mongodb

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nimburion/docorm/pkg/docstore"
)

// Embedded documents with one of these keys hold values the store has no native type for.
const (
	refKey = "__ref"
	geoKey = "__geo"
	idKey  = "_id"
)

// encodeValue converts a value into its BSON representation. Sentinels are resolved
// before encoding, so encountering one here is an error.
func encodeValue(v any, now time.Time) (any, error) {
	v = docstore.Normalize(v)
	switch t := v.(type) {
	case nil, bool, int64, float64, string:
		return t, nil
	case time.Time:
		return primitive.NewDateTimeFromTime(t), nil
	case docstore.Reference:
		return bson.D{{Key: refKey, Value: t.Path}}, nil
	case docstore.GeoPoint:
		return bson.D{{Key: geoKey, Value: bson.D{{Key: "lat", Value: t.Latitude}, {Key: "lng", Value: t.Longitude}}}}, nil
	case docstore.Sentinel:
		if t == docstore.ServerTimestamp {
			return primitive.NewDateTimeFromTime(now), nil
		}
		return nil, fmt.Errorf("%w: %s cannot be nested", docstore.ErrInvalidValue, t)
	case []any:
		out := make(bson.A, len(t))
		for i, item := range t {
			enc, err := encodeValue(item, now)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case map[string]any:
		return encodeDocument(t, now)
	}
	return nil, fmt.Errorf("%w: unsupported type %T", docstore.ErrInvalidValue, v)
}

func encodeDocument(data map[string]any, now time.Time) (bson.M, error) {
	out := make(bson.M, len(data))
	for k, v := range data {
		if k == idKey {
			return nil, fmt.Errorf("%w: field name %s is reserved", docstore.ErrInvalidValue, idKey)
		}
		enc, err := encodeValue(v, now)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

// decodeValue converts a decoded BSON value back into the value model.
func decodeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case primitive.ObjectID:
		return t.Hex()
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case primitive.A:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = decodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = decodeValue(item)
		}
		return out
	case primitive.D:
		return decodeEmbedded(t.Map())
	case primitive.M:
		return decodeEmbedded(t)
	case map[string]any:
		return decodeEmbedded(t)
	}
	return v
}

func decodeEmbedded(m map[string]any) any {
	if len(m) == 1 {
		if path, ok := m[refKey].(string); ok {
			return docstore.Reference{Path: path}
		}
		if raw, ok := m[geoKey]; ok {
			if geo, ok := decodeValue(raw).(map[string]any); ok {
				lat, _ := geo["lat"].(float64)
				lng, _ := geo["lng"].(float64)
				return docstore.GeoPoint{Latitude: lat, Longitude: lng}
			}
		}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = decodeValue(v)
	}
	return out
}

// decodeDocument splits a raw document into its id and fields.
func decodeDocument(raw bson.M) (string, map[string]any) {
	var id string
	switch v := raw[idKey].(type) {
	case string:
		id = v
	case primitive.ObjectID:
		id = v.Hex()
	default:
		id = fmt.Sprint(v)
	}
	data := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == idKey {
			continue
		}
		data[k] = decodeValue(v)
	}
	return id, data
}
