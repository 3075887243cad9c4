package processor

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"metersync/logger"
	"metersync/models"
)

// Timestamp and value field names seen across upstream API generations.
// Scanned in order when the payload shape is not one of the known formats.
var (
	timestampAliases = []string{"timestamp", "time", "date", "zeitpunkt", "zeit"}
	valueAliases     = []string{"value", "wert", "verbrauch", "consumption"}
)

// quarterHoursPerDay is the number of 15-minute intervals a daily
// aggregate is split into.
const quarterHoursPerDay = 96

// Normalizer decodes the heterogeneous payload shapes returned by the
// Bewegungsdaten API into a canonical ReadingSet. The upstream response
// shape varies by server configuration, role and API generation, so
// known formats are tried in a fixed priority order; the first
// structural match wins. Elements that cannot be parsed are skipped
// with a warning and never abort the batch.
type Normalizer struct {
	log *logger.Log
}

func NewNormalizer() *Normalizer {
	return &Normalizer{log: logger.GetLogger()}
}

// payloadFormat pairs a pure structural predicate with its extractor.
// Predicates never rely on parse failures to select a format.
type payloadFormat struct {
	name    string
	matches func(raw interface{}) bool
	extract func(n *Normalizer, raw interface{}) []models.Reading
}

var payloadFormats = []payloadFormat{
	{
		name: "data_list",
		matches: func(raw interface{}) bool {
			obj, ok := raw.(map[string]interface{})
			if !ok {
				return false
			}
			_, ok = obj["data"].([]interface{})
			return ok
		},
		extract: func(n *Normalizer, raw interface{}) []models.Reading {
			obj := raw.(map[string]interface{})
			return n.extractTimestampValueList(obj["data"].([]interface{}))
		},
	},
	{
		name: "descriptor_values",
		matches: func(raw interface{}) bool {
			obj, ok := raw.(map[string]interface{})
			if !ok {
				return false
			}
			if _, ok := obj["descriptor"]; !ok {
				return false
			}
			_, ok = obj["values"].([]interface{})
			return ok
		},
		extract: func(n *Normalizer, raw interface{}) []models.Reading {
			obj := raw.(map[string]interface{})
			return n.extractDescriptorValues(obj["values"].([]interface{}))
		},
	},
	{
		name: "object_scan",
		matches: func(raw interface{}) bool {
			_, ok := raw.(map[string]interface{})
			return ok
		},
		extract: func(n *Normalizer, raw interface{}) []models.Reading {
			obj := raw.(map[string]interface{})
			// Keys are visited in sorted order so the chosen list is
			// deterministic regardless of map iteration order.
			keys := make([]string, 0, len(obj))
			for k := range obj {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if list, ok := obj[k].([]interface{}); ok {
					n.log.WithComponent("normalizer").WithFields(logger.Fields{
						"key":   k,
						"items": len(list),
					}).Info("scanning list found under unrecognized key")
					return n.extractByAliasScan(list)
				}
			}
			return nil
		},
	},
	{
		name: "top_level_list",
		matches: func(raw interface{}) bool {
			_, ok := raw.([]interface{})
			return ok
		},
		extract: func(n *Normalizer, raw interface{}) []models.Reading {
			return n.extractByAliasScan(raw.([]interface{}))
		},
	},
}

// Normalize converts a raw API payload into a ReadingSet for the given
// meter point. The returned set may be empty when no shape matched or
// every element failed to parse; the caller decides whether that is a
// failure.
func (n *Normalizer) Normalize(raw interface{}, meterID string) *models.ReadingSet {
	log := n.log.WithComponent("normalizer").WithFields(logger.Fields{"zaehlpunkt": meterID})

	var readings []models.Reading
	for _, f := range payloadFormats {
		if !f.matches(raw) {
			continue
		}
		log.WithFields(logger.Fields{"format": f.name}).Debug("payload format matched")
		readings = f.extract(n, raw)
		break
	}

	periodStart, periodEnd := readingsRange(readings)
	set := models.NewReadingSet(readings, meterID, periodStart, periodEnd)

	if set.Empty() {
		log.Warn("no readings extracted from payload")
	} else {
		log.WithFields(logger.Fields{
			"readings":  set.Count(),
			"total_kwh": set.TotalKWh,
			"from":      periodStart,
			"until":     periodEnd,
		}).Info("normalized payload")
	}
	return set
}

// extractTimestampValueList handles elements of the form
// {timestamp, value}, one reading per element.
func (n *Normalizer) extractTimestampValueList(items []interface{}) []models.Reading {
	readings := make([]models.Reading, 0, len(items))
	for _, item := range items {
		el, ok := item.(map[string]interface{})
		if !ok {
			n.warnSkip("element is not an object", item)
			continue
		}
		r, ok := n.readingFromTimestampValue(el)
		if !ok {
			continue
		}
		readings = append(readings, r)
	}
	return readings
}

// extractDescriptorValues handles the descriptor+values response. Each
// element is either a quarter-hour {timestamp, value} record or a daily
// aggregate {wert, zeitpunktVon, zeitpunktBis}. Daily aggregates are
// split into 96 synthetic 15-minute readings because some role and
// value-type combinations only return daily granularity while
// downstream consumers expect interval data.
func (n *Normalizer) extractDescriptorValues(items []interface{}) []models.Reading {
	var readings []models.Reading
	for _, item := range items {
		el, ok := item.(map[string]interface{})
		if !ok {
			n.warnSkip("element is not an object", item)
			continue
		}

		_, hasTS := el["timestamp"]
		_, hasValue := el["value"]
		if hasTS && hasValue {
			if r, ok := n.readingFromTimestampValue(el); ok {
				readings = append(readings, r)
			}
			continue
		}

		_, hasWert := el["wert"]
		_, hasVon := el["zeitpunktVon"]
		_, hasBis := el["zeitpunktBis"]
		if hasWert && hasVon && hasBis {
			readings = append(readings, n.splitDailyAggregate(el)...)
			continue
		}

		n.warnSkip("element matches no known shape", item)
	}
	return readings
}

// splitDailyAggregate distributes a daily total over 96 quarter hours
// starting at zeitpunktVon.
func (n *Normalizer) splitDailyAggregate(el map[string]interface{}) []models.Reading {
	value, ok := coerceValue(el["wert"])
	if !ok {
		n.warnSkip("daily aggregate value is not numeric", el)
		return nil
	}
	if value < 0 {
		n.warnSkip("daily aggregate value is negative", el)
		return nil
	}
	von, ok := el["zeitpunktVon"].(string)
	if !ok {
		n.warnSkip("zeitpunktVon is not a string", el)
		return nil
	}
	start, err := ParseTimestamp(von)
	if err != nil {
		n.log.WithComponent("normalizer").WithError(err).Warn("skipping daily aggregate with unparseable zeitpunktVon")
		return nil
	}

	quality, _ := el["qualitaet"].(string)
	quarterValue := value / quarterHoursPerDay
	readings := make([]models.Reading, 0, quarterHoursPerDay)
	for i := 0; i < quarterHoursPerDay; i++ {
		readings = append(readings, models.Reading{
			Timestamp: start.Add(time.Duration(i) * 15 * time.Minute),
			ValueKWh:  quarterValue,
			Quality:   quality,
		})
	}
	n.log.WithComponent("normalizer").WithFields(logger.Fields{
		"daily_kwh": value,
		"start":     start,
	}).Info("split daily aggregate into quarter-hour readings")
	return readings
}

// extractByAliasScan is the last-resort extractor: for each element it
// scans the known timestamp and value field aliases and skips the
// element when either is missing or non-numeric.
func (n *Normalizer) extractByAliasScan(items []interface{}) []models.Reading {
	var readings []models.Reading
	for _, item := range items {
		el, ok := item.(map[string]interface{})
		if !ok {
			n.warnSkip("element is not an object", item)
			continue
		}

		var tsRaw string
		for _, alias := range timestampAliases {
			if v, ok := el[alias].(string); ok {
				tsRaw = v
				break
			}
		}
		if tsRaw == "" {
			n.warnSkip("no timestamp field found", item)
			continue
		}

		var value float64
		found := false
		for _, alias := range valueAliases {
			if v, ok := el[alias]; ok {
				if value, found = coerceValue(v); found {
					break
				}
			}
		}
		if !found {
			n.warnSkip("no numeric value field found", item)
			continue
		}
		if value < 0 {
			n.warnSkip("negative delta", item)
			continue
		}

		ts, err := ParseTimestamp(tsRaw)
		if err != nil {
			n.log.WithComponent("normalizer").WithError(err).Warn("skipping element with unparseable timestamp")
			continue
		}

		quality, _ := el["qualitaet"].(string)
		readings = append(readings, models.Reading{Timestamp: ts, ValueKWh: value, Quality: quality})
	}
	return readings
}

// readingFromTimestampValue builds one reading from a {timestamp, value}
// element.
func (n *Normalizer) readingFromTimestampValue(el map[string]interface{}) (models.Reading, bool) {
	tsRaw, ok := el["timestamp"].(string)
	if !ok {
		n.warnSkip("timestamp is not a string", el)
		return models.Reading{}, false
	}
	value, ok := coerceValue(el["value"])
	if !ok {
		n.warnSkip("value is not numeric", el)
		return models.Reading{}, false
	}
	if value < 0 {
		n.warnSkip("negative delta", el)
		return models.Reading{}, false
	}
	ts, err := ParseTimestamp(tsRaw)
	if err != nil {
		n.log.WithComponent("normalizer").WithError(err).Warn("skipping element with unparseable timestamp")
		return models.Reading{}, false
	}
	quality, _ := el["qualitaet"].(string)
	return models.Reading{Timestamp: ts, ValueKWh: value, Quality: quality}, true
}

func (n *Normalizer) warnSkip(reason string, el interface{}) {
	n.log.WithComponent("normalizer").WithFields(logger.Fields{
		"reason":  reason,
		"element": el,
	}).Warn("skipping element")
}

// coerceValue converts a decoded JSON value to float64. Strings are
// parsed through decimal to accept upstream responses that quote
// numbers (e.g. "96.0").
func coerceValue(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		d, err := decimal.NewFromString(val)
		if err != nil {
			return 0, false
		}
		return d.InexactFloat64(), true
	default:
		return 0, false
	}
}

// timestampLayouts are tried in order. RFC3339 also accepts fractional
// seconds, covering the ".000Z" variant of the newer API.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02.01.2006 15:04:05",
}

// ParseTimestamp parses an upstream timestamp string and normalizes it
// to UTC. Layouts without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func readingsRange(readings []models.Reading) (time.Time, time.Time) {
	if len(readings) == 0 {
		return time.Time{}, time.Time{}
	}
	min, max := readings[0].Timestamp, readings[0].Timestamp
	for _, r := range readings[1:] {
		if r.Timestamp.Before(min) {
			min = r.Timestamp
		}
		if r.Timestamp.After(max) {
			max = r.Timestamp
		}
	}
	return min, max
}
