// Package parser turns claimed raw payloads into structured entries and a
// side channel of field-usage observations.
package parser

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/solhall/logsift/pkg/models"
)

// FieldObservation records that a payload contained a field of an inferred
// type. The registry counts one observation per entry per field name.
type FieldObservation struct {
	Name string
	Type string
}

// Parser converts a raw JSON payload into an Entry.
type Parser struct{}

// New creates a Parser.
func New() *Parser { return &Parser{} }

// Parse deserializes a raw payload. The keys "level", "message" and
// "timestamp" map to structured columns; every other key is retained
// verbatim in ExtraFields. The observation list covers every key present,
// structured or extra.
//
// A payload that is not a JSON object is an error; the caller marks the raw
// row consumed regardless, so one bad record never blocks the queue.
func (p *Parser) Parse(raw *models.RawEntry) (*models.Entry, []FieldObservation, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(raw.RawPayload), &data); err != nil {
		return nil, nil, fmt.Errorf("decoding payload: %w", err)
	}

	entry := &models.Entry{
		RawEntryID:  raw.ID,
		Timestamp:   raw.ReceivedAt,
		ExtraFields: make(map[string]any),
	}

	obs := make([]FieldObservation, 0, len(data))
	for key, value := range data {
		obs = append(obs, FieldObservation{Name: key, Type: InferType(value)})

		switch key {
		case "level":
			entry.Level = models.Stringify(value)
		case "message":
			entry.Message = models.Stringify(value)
		case "timestamp":
			if ts, ok := parseTimestamp(value); ok {
				entry.Timestamp = ts
			} else {
				entry.ExtraFields[key] = value
			}
		default:
			entry.ExtraFields[key] = value
		}
	}

	return entry, obs, nil
}

// InferType maps a decoded JSON value to a registry field type. Strings that
// parse as RFC 3339 timestamps infer as datetime. Objects, arrays and nulls
// collapse to string; the registry does not model nesting.
func InferType(value any) string {
	switch v := value.(type) {
	case string:
		if _, err := time.Parse(time.RFC3339, v); err == nil {
			return models.FieldTypeDatetime
		}
		return models.FieldTypeString
	case float64:
		return models.FieldTypeNumber
	case bool:
		return models.FieldTypeBoolean
	default:
		return models.FieldTypeString
	}
}

// parseTimestamp accepts RFC 3339 strings and numeric epoch seconds.
func parseTimestamp(value any) (time.Time, bool) {
	switch v := value.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts.UTC(), true
		}
	case float64:
		sec := int64(v)
		nsec := int64((v - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), true
	}
	return time.Time{}, false
}
