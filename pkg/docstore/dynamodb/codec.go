package dynamodb

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/docorm/pkg/docstore"
)

// Item attributes owned by the driver.
const (
	pkAttr      = "_pk"
	idAttr      = "_id"
	versionAttr = "_v"
)

// Timestamps and references are stored as tagged strings so that range comparisons on
// timestamps keep working in filter expressions: the fixed-width UTC layout sorts
// lexicographically in chronological order.
const (
	timestampTag    = "\x00ts:"
	referenceTag    = "\x00ref:"
	timestampLayout = "2006-01-02T15:04:05.000000000Z"
	geoKey          = "__geo"
)

func reserved(field string) bool {
	return field == pkAttr || field == idAttr || field == versionAttr
}

func encodeTimestamp(t time.Time) string {
	return timestampTag + t.UTC().Format(timestampLayout)
}

func formatNumber(v any) string {
	switch n := v.(type) {
	case int64:
		return strconv.FormatInt(n, 10)
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	}
	return "0"
}

// encodeValue converts a value into an attribute value. ServerTimestamp resolves to now.
func encodeValue(v any, now time.Time) (types.AttributeValue, error) {
	v = docstore.Normalize(v)
	switch t := v.(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: t}, nil
	case int64, float64:
		return &types.AttributeValueMemberN{Value: formatNumber(t)}, nil
	case string:
		return &types.AttributeValueMemberS{Value: t}, nil
	case time.Time:
		return &types.AttributeValueMemberS{Value: encodeTimestamp(t)}, nil
	case docstore.Reference:
		return &types.AttributeValueMemberS{Value: referenceTag + t.Path}, nil
	case docstore.GeoPoint:
		return &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			geoKey: &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
				"lat": &types.AttributeValueMemberN{Value: formatNumber(t.Latitude)},
				"lng": &types.AttributeValueMemberN{Value: formatNumber(t.Longitude)},
			}},
		}}, nil
	case docstore.Sentinel:
		if t == docstore.ServerTimestamp {
			return &types.AttributeValueMemberS{Value: encodeTimestamp(now)}, nil
		}
		return nil, fmt.Errorf("%w: %s cannot be nested", docstore.ErrInvalidValue, t)
	case []any:
		out := make([]types.AttributeValue, len(t))
		for i, item := range t {
			enc, err := encodeValue(item, now)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return &types.AttributeValueMemberL{Value: out}, nil
	case map[string]any:
		out := make(map[string]types.AttributeValue, len(t))
		for k, item := range t {
			enc, err := encodeValue(item, now)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", k, err)
			}
			out[k] = enc
		}
		return &types.AttributeValueMemberM{Value: out}, nil
	}
	return nil, fmt.Errorf("%w: unsupported type %T", docstore.ErrInvalidValue, v)
}

func decodeNumber(s string) (any, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed number %q", docstore.ErrInvalidValue, s)
	}
	return f, nil
}

func decodeString(s string) (any, error) {
	switch {
	case strings.HasPrefix(s, timestampTag):
		t, err := time.Parse(timestampLayout, strings.TrimPrefix(s, timestampTag))
		if err != nil {
			return nil, fmt.Errorf("%w: malformed timestamp %q", docstore.ErrInvalidValue, s)
		}
		return t, nil
	case strings.HasPrefix(s, referenceTag):
		return docstore.Reference{Path: strings.TrimPrefix(s, referenceTag)}, nil
	}
	return s, nil
}

// decodeValue converts an attribute value back into the value model.
func decodeValue(av types.AttributeValue) (any, error) {
	switch t := av.(type) {
	case nil:
		return nil, nil
	case *types.AttributeValueMemberNULL:
		return nil, nil
	case *types.AttributeValueMemberBOOL:
		return t.Value, nil
	case *types.AttributeValueMemberN:
		return decodeNumber(t.Value)
	case *types.AttributeValueMemberS:
		return decodeString(t.Value)
	case *types.AttributeValueMemberL:
		out := make([]any, len(t.Value))
		for i, item := range t.Value {
			dec, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	case *types.AttributeValueMemberSS:
		out := make([]any, len(t.Value))
		for i, s := range t.Value {
			out[i] = s
		}
		return out, nil
	case *types.AttributeValueMemberNS:
		out := make([]any, len(t.Value))
		for i, s := range t.Value {
			n, err := decodeNumber(s)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case *types.AttributeValueMemberM:
		if geo, ok := decodeGeoPoint(t.Value); ok {
			return geo, nil
		}
		return decodeMap(t.Value)
	}
	return nil, fmt.Errorf("%w: unsupported attribute type %T", docstore.ErrInvalidValue, av)
}

func decodeGeoPoint(m map[string]types.AttributeValue) (docstore.GeoPoint, bool) {
	if len(m) != 1 {
		return docstore.GeoPoint{}, false
	}
	inner, ok := m[geoKey].(*types.AttributeValueMemberM)
	if !ok {
		return docstore.GeoPoint{}, false
	}
	lat, latOK := inner.Value["lat"].(*types.AttributeValueMemberN)
	lng, lngOK := inner.Value["lng"].(*types.AttributeValueMemberN)
	if !latOK || !lngOK {
		return docstore.GeoPoint{}, false
	}
	la, err1 := strconv.ParseFloat(lat.Value, 64)
	ln, err2 := strconv.ParseFloat(lng.Value, 64)
	if err1 != nil || err2 != nil {
		return docstore.GeoPoint{}, false
	}
	return docstore.GeoPoint{Latitude: la, Longitude: ln}, true
}

func decodeMap(m map[string]types.AttributeValue) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		dec, err := decodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = dec
	}
	return out, nil
}

// decodeItem splits an item into its document id, version and fields.
func decodeItem(item map[string]types.AttributeValue) (string, int64, map[string]any, error) {
	id := stringAttr(item[idAttr])
	version := versionOf(item)
	data := make(map[string]any, len(item))
	for k, v := range item {
		if reserved(k) {
			continue
		}
		dec, err := decodeValue(v)
		if err != nil {
			return "", 0, nil, fmt.Errorf("field %s: %w", k, err)
		}
		data[k] = dec
	}
	return id, version, data, nil
}

// versionOf returns the version attribute of an item, 0 when the item is absent.
func versionOf(item map[string]types.AttributeValue) int64 {
	n, ok := item[versionAttr].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func stringAttr(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func numberAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func stringValue(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}
