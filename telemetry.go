package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Relay codes reported on the relay driver.
const (
	relayCodeUnknown = 0
	relayCodeOpen    = 1
	relayCodeClosed  = 2
)

// Door codes reported on the panel door driver.
const (
	doorCodeUnknown = 0
	doorCodeClosed  = 1
	doorCodeOpen    = 2
)

// Vendor string values.
const (
	relayOpen             = "OPEN"
	relayClosed           = "CLOSED"
	priorityMustHave      = "MUST_HAVE"
	priorityNiceToHave    = "NICE_TO_HAVE"
	priorityNonEssential  = "NON_ESSENTIAL"
	priorityNonPrefix     = "NON_"
	panelTimestampLayout  = "01/02/2006 03:04:05 PM"
	maxUnlockButtonPress  = 3
	secondsPerDay         = 86400
	secondsPerHour        = 3600
	secondsPerMinute      = 60
	maxTelemetryBodyBytes = 4 << 20
)

var errEmptyTelemetry = errors.New("empty telemetry body")

// RelayState is the tri-state relay of a breaker or circuit.
type RelayState int

const (
	RelayUnknown RelayState = relayCodeUnknown
	RelayOpen    RelayState = relayCodeOpen
	RelayClosed  RelayState = relayCodeClosed
)

// ParseRelayState maps the vendor relay string onto a RelayState.
func ParseRelayState(s string) RelayState {
	switch s {
	case relayClosed:
		return RelayClosed
	case relayOpen:
		return RelayOpen
	default:
		return RelayUnknown
	}
}

func (r RelayState) String() string {
	switch r {
	case RelayOpen:
		return relayOpen
	case RelayClosed:
		return relayClosed
	default:
		return "UNKNOWN"
	}
}

// Priority is a circuit's load-shedding priority. The numeric values match
// the hub codes: 3 must have, 2 nice to have, 1 non essential, 0 unknown.
type Priority int

const (
	PriorityUnknown      Priority = 0
	PriorityNonEssential Priority = 1
	PriorityNiceToHave   Priority = 2
	PriorityMustHave     Priority = 3
)

// ParsePriority maps the vendor priority string onto a Priority. Any value
// starting with NON_ counts as non essential.
func ParsePriority(s string) Priority {
	switch {
	case s == priorityMustHave:
		return PriorityMustHave
	case s == priorityNiceToHave:
		return PriorityNiceToHave
	case strings.HasPrefix(s, priorityNonPrefix):
		return PriorityNonEssential
	default:
		return PriorityUnknown
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityMustHave:
		return priorityMustHave
	case PriorityNiceToHave:
		return priorityNiceToHave
	case PriorityNonEssential:
		return priorityNonEssential
	default:
		return "UNKNOWN"
	}
}

// RawTelemetryBlob is one decoded response from a panel endpoint. It is
// replaced wholesale on every successful fetch and never mutated afterwards,
// so representations may read it concurrently within a cycle.
type RawTelemetryBlob struct {
	FetchedAt time.Time
	doc       any
	Endpoint  string
	Body      []byte
}

// NewTelemetryBlob decodes body. A body that is not JSON is rejected so the
// caller can treat it the same as an unreachable device.
func NewTelemetryBlob(endpoint string, body []byte, fetchedAt time.Time) (*RawTelemetryBlob, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errEmptyTelemetry
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}

	return &RawTelemetryBlob{
		Endpoint:  endpoint,
		Body:      body,
		FetchedAt: fetchedAt,
		doc:       doc,
	}, nil
}

// Scalar returns the value at path. Every element of path names an object
// field, so a nested field never shadows a top-level one.
func (b *RawTelemetryBlob) Scalar(path ...string) (any, bool) {
	if b == nil {
		return nil, false
	}
	return lookupPath(b.doc, path)
}

// Float returns the number at path.
func (b *RawTelemetryBlob) Float(path ...string) (float64, bool) {
	v, ok := b.Scalar(path...)
	if !ok {
		return 0, false
	}
	return asFloat(v)
}

// String returns the string at path.
func (b *RawTelemetryBlob) String(path ...string) (string, bool) {
	v, ok := b.Scalar(path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Object returns the object at path.
func (b *RawTelemetryBlob) Object(path ...string) (TelemetryObject, bool) {
	v, ok := b.Scalar(path...)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return TelemetryObject(m), ok
}

// ObjectSlice finds the object inside collection whose matchKey equals
// matchValue. The collection may be an array of objects or an object keyed by
// id; in the keyed form the map key also counts as a match when the object
// lacks matchKey.
func (b *RawTelemetryBlob) ObjectSlice(collection, matchKey, matchValue string) (TelemetryObject, bool) {
	v, ok := b.Scalar(collection)
	if !ok {
		return nil, false
	}

	switch items := v.(type) {
	case []any:
		for _, item := range items {
			obj, isObj := item.(map[string]any)
			if !isObj {
				continue
			}
			if scalarEquals(obj[matchKey], matchValue) {
				return TelemetryObject(obj), true
			}
		}
	case map[string]any:
		if obj, isObj := items[matchValue].(map[string]any); isObj {
			if id, has := obj[matchKey]; !has || scalarEquals(id, matchValue) {
				return TelemetryObject(obj), true
			}
		}
		for _, item := range items {
			obj, isObj := item.(map[string]any)
			if isObj && scalarEquals(obj[matchKey], matchValue) {
				return TelemetryObject(obj), true
			}
		}
	}

	return nil, false
}

// Objects returns every object in collection in document order.
func (b *RawTelemetryBlob) Objects(collection string) []TelemetryObject {
	v, ok := b.Scalar(collection)
	if !ok {
		return nil
	}

	var out []TelemetryObject
	switch items := v.(type) {
	case []any:
		for _, item := range items {
			if obj, isObj := item.(map[string]any); isObj {
				out = append(out, TelemetryObject(obj))
			}
		}
	case map[string]any:
		keys, err := orderedKeys(b.Body, collection)
		if err != nil {
			return nil
		}
		for _, key := range keys {
			if obj, isObj := items[key].(map[string]any); isObj {
				out = append(out, TelemetryObject(obj))
			}
		}
	}
	return out
}

// TelemetryObject is one object inside a blob.
type TelemetryObject map[string]any

// Float returns the number at path.
func (o TelemetryObject) Float(path ...string) (float64, bool) {
	v, ok := lookupPath(map[string]any(o), path)
	if !ok {
		return 0, false
	}
	return asFloat(v)
}

// String returns the string at path.
func (o TelemetryObject) String(path ...string) (string, bool) {
	v, ok := lookupPath(map[string]any(o), path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Ints returns the numbers in the array at path, skipping non-numbers.
func (o TelemetryObject) Ints(path ...string) ([]int, bool) {
	v, ok := lookupPath(map[string]any(o), path)
	if !ok {
		return nil, false
	}
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}

	out := make([]int, 0, len(items))
	for _, item := range items {
		if f, isNum := asFloat(item); isNum {
			out = append(out, int(f))
		}
	}
	return out, true
}

// ID returns the object's id field as a string, whatever its JSON type.
func (o TelemetryObject) ID() (string, bool) {
	v, ok := o["id"]
	if !ok {
		return "", false
	}
	return scalarString(v)
}

func lookupPath(doc any, path []string) (any, bool) {
	current := doc
	for _, field := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[field]
		if !ok {
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(s), true
	default:
		return "", false
	}
}

func scalarEquals(v any, want string) bool {
	s, ok := scalarString(v)
	return ok && s == want
}

// orderedKeys lists the keys of the object at path in the order the panel
// sent them. encoding/json maps lose that order.
func orderedKeys(body []byte, path ...string) ([]string, error) {
	raw := json.RawMessage(body)
	for _, field := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("failed to decode %q: %w", field, err)
		}
		next, ok := obj[field]
		if !ok {
			return nil, fmt.Errorf("field %q not found", field)
		}
		raw = next
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read object start: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var keys []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key token %v", keyTok)
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("failed to skip value of %q: %w", key, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ceil2 rounds up to two decimals.
func ceil2(v float64) float64 {
	return math.Ceil(v*100) / 100
}

// round2 rounds half away from zero to two decimals.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// powerValue is the magnitude shown for a breaker or circuit.
func powerValue(raw float64) float64 {
	return ceil2(math.Abs(raw))
}

// netPower is grid power minus the feed-through magnitude.
func netPower(instantGridPowerW, feedthroughPowerW float64) float64 {
	return round2(ceil2(instantGridPowerW) - math.Abs(ceil2(feedthroughPowerW)))
}

// PanelAggregate is what the breaker controller derives from /api/v1/panel.
type PanelAggregate struct {
	NetPowerW      float64
	OpenBreakers   int
	ClosedBreakers int
	HasPower       bool
}

func derivePanelAggregate(blob *RawTelemetryBlob) PanelAggregate {
	var agg PanelAggregate

	grid, gridOK := blob.Float("instantGridPowerW")
	feed, feedOK := blob.Float("feedthroughPowerW")
	if gridOK && feedOK {
		agg.NetPowerW = netPower(grid, feed)
		agg.HasPower = true
	}

	for _, branch := range blob.Objects("branches") {
		state, _ := branch.String("relayState")
		switch ParseRelayState(state) {
		case RelayClosed:
			agg.ClosedBreakers++
		case RelayOpen:
			agg.OpenBreakers++
		}
	}
	return agg
}

// PanelStatus is what the breaker controller derives from /api/v1/status.
type PanelStatus struct {
	Serial          string
	FirmwareVersion string
	Uptime          string
	DoorState       int
	UnlockPresses   int
}

func derivePanelStatus(blob *RawTelemetryBlob) PanelStatus {
	status := PanelStatus{DoorState: doorCodeUnknown, UnlockPresses: -1}

	if door, ok := firstString(blob, []string{"system", "doorState"}, []string{"doorState"}); ok {
		switch door {
		case relayClosed:
			status.DoorState = doorCodeClosed
		case relayOpen:
			status.DoorState = doorCodeOpen
		}
	}

	if presses, ok := firstFloat(blob,
		[]string{"system", "remainingAuthUnlockButtonPresses"},
		[]string{"remainingAuthUnlockButtonPresses"}); ok {
		if n := int(presses); n >= 1 && n <= maxUnlockButtonPress {
			status.UnlockPresses = n
		}
	}

	status.Serial, _ = firstString(blob, []string{"system", "serial"}, []string{"serial"})
	status.FirmwareVersion, _ = firstString(blob, []string{"software", "firmwareVersion"}, []string{"firmwareVersion"})

	if uptime, ok := firstFloat(blob, []string{"system", "uptime"}, []string{"uptime"}); ok {
		status.Uptime = formatUptime(int64(uptime))
	}
	return status
}

func firstString(blob *RawTelemetryBlob, paths ...[]string) (string, bool) {
	for _, path := range paths {
		if s, ok := blob.String(path...); ok {
			return s, true
		}
	}
	return "", false
}

func firstFloat(blob *RawTelemetryBlob, paths ...[]string) (float64, bool) {
	for _, path := range paths {
		if f, ok := blob.Float(path...); ok {
			return f, true
		}
	}
	return 0, false
}

func formatUptime(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	days := seconds / secondsPerDay
	seconds %= secondsPerDay
	hours := seconds / secondsPerHour
	seconds %= secondsPerHour
	minutes := seconds / secondsPerMinute
	seconds %= secondsPerMinute
	return fmt.Sprintf("%d Days, %d Hours, %d Minutes, %d Seconds", days, hours, minutes, seconds)
}

// CircuitInfo is one entry of the /api/v1/circuits listing.
type CircuitInfo struct {
	ID   string
	Name string
}

// circuitListing returns the circuits in panel order.
func circuitListing(blob *RawTelemetryBlob) []CircuitInfo {
	var out []CircuitInfo
	seen := make(map[string]bool)
	for _, obj := range blob.Objects("circuits") {
		id, ok := obj.ID()
		if !ok || id == "" || seen[id] {
			continue
		}
		seen[id] = true
		name, _ := obj.String("name")
		out = append(out, CircuitInfo{ID: id, Name: name})
	}
	return out
}
