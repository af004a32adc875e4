package protocol

import "sort"

// Characteristic is one entry of the static catalog: a protocol-level
// named, typed value exposed by the equipment. Distinct from a GATT
// characteristic.
type Characteristic struct {
	ID        uint8
	Name      string
	Writable  bool
	Converter ConverterKind
}

// Capability associates a high-level capability ID with the characteristic
// that backs it.
type Capability struct {
	ID               uint8
	Name             string
	CharacteristicID uint8
}

// The authoritative characteristic table. IDs are unique; the table is
// immutable after package init. Entries with X-names are present on real
// firmware but their meaning has not been identified.
var characteristicTable = []Characteristic{
	{ID: 0, Name: "Kph", Writable: true, Converter: ConvDouble},
	{ID: 1, Name: "Incline", Writable: true, Converter: ConvDouble},
	{ID: 4, Name: "CurrentDistance", Writable: false, Converter: ConvUint32},
	{ID: 6, Name: "Distance", Writable: false, Converter: ConvUint32},
	{ID: 9, Name: "Volume", Writable: true, Converter: ConvUint8},
	{ID: 10, Name: "Pulse", Writable: false, Converter: ConvPulse},
	{ID: 11, Name: "UpTime", Writable: false, Converter: ConvUint32},
	{ID: 12, Name: "Mode", Writable: true, Converter: ConvUint8},
	{ID: 13, Name: "Calories", Writable: false, Converter: ConvScaled32},
	{ID: 16, Name: "CurrentKph", Writable: false, Converter: ConvDouble},
	{ID: 17, Name: "CurrentIncline", Writable: false, Converter: ConvDouble},
	{ID: 20, Name: "CurrentTime", Writable: false, Converter: ConvUint32},
	{ID: 21, Name: "CurrentCalories", Writable: false, Converter: ConvScaled32},
	{ID: 27, Name: "MaxIncline", Writable: false, Converter: ConvDouble},
	{ID: 28, Name: "MinIncline", Writable: false, Converter: ConvDouble},
	{ID: 30, Name: "MaxKph", Writable: false, Converter: ConvDouble},
	{ID: 31, Name: "MinKph", Writable: false, Converter: ConvDouble},
	{ID: 34, Name: "X1", Writable: true, Converter: ConvUint16},
	{ID: 35, Name: "X2", Writable: true, Converter: ConvUint16},
	{ID: 36, Name: "Metric", Writable: true, Converter: ConvBool},
	{ID: 43, Name: "X3", Writable: true, Converter: ConvDouble},
	{ID: 46, Name: "X4", Writable: true, Converter: ConvUint16},
	{ID: 49, Name: "MaxPulse", Writable: false, Converter: ConvUint8},
	{ID: 52, Name: "AverageIncline", Writable: false, Converter: ConvDouble},
	{ID: 69, Name: "X5", Writable: true, Converter: ConvUint32},
	{ID: 70, Name: "TotalTime", Writable: false, Converter: ConvUint32},
	{ID: 71, Name: "X6", Writable: true, Converter: ConvUint16},
	{ID: 100, Name: "X7", Writable: true, Converter: ConvUint8},
	{ID: 103, Name: "PausedTime", Writable: false, Converter: ConvUint32},
}

// Capabilities reported by SUPPORTED_CAPABILITIES, mapped to the
// characteristic that carries the underlying value.
var capabilityTable = []Capability{
	{ID: 65, Name: "Speed", CharacteristicID: 0},
	{ID: 66, Name: "Incline", CharacteristicID: 1},
	{ID: 70, Name: "Pulse", CharacteristicID: 10},
	{ID: 71, Name: "Key", CharacteristicID: 7},
	{ID: 77, Name: "Distance", CharacteristicID: 6},
	{ID: 78, Name: "Time", CharacteristicID: 11},
}

var (
	characteristicsByID   map[uint8]*Characteristic
	characteristicsByName map[string]*Characteristic
	capabilitiesByID      map[uint8]*Capability
	characteristicsSorted []*Characteristic
)

func init() {
	characteristicsByID = make(map[uint8]*Characteristic, len(characteristicTable))
	characteristicsByName = make(map[string]*Characteristic, len(characteristicTable))
	for i := range characteristicTable {
		c := &characteristicTable[i]
		if _, dup := characteristicsByID[c.ID]; dup {
			panic("duplicate characteristic id in catalog")
		}
		characteristicsByID[c.ID] = c
		characteristicsByName[c.Name] = c
	}
	characteristicsSorted = make([]*Characteristic, 0, len(characteristicTable))
	for i := range characteristicTable {
		characteristicsSorted = append(characteristicsSorted, &characteristicTable[i])
	}
	sort.Slice(characteristicsSorted, func(i, j int) bool {
		return characteristicsSorted[i].ID < characteristicsSorted[j].ID
	})
	capabilitiesByID = make(map[uint8]*Capability, len(capabilityTable))
	for i := range capabilityTable {
		capabilitiesByID[capabilityTable[i].ID] = &capabilityTable[i]
	}
}

// CharacteristicByID returns the catalog entry for an ID.
func CharacteristicByID(id uint8) (*Characteristic, bool) {
	c, ok := characteristicsByID[id]
	return c, ok
}

// CharacteristicByName returns the catalog entry for a name.
func CharacteristicByName(name string) (*Characteristic, bool) {
	c, ok := characteristicsByName[name]
	return c, ok
}

// WritableByID reports whether the ID exists and is writable.
func WritableByID(id uint8) bool {
	c, ok := characteristicsByID[id]
	return ok && c.Writable
}

// Characteristics returns all catalog entries in ascending ID order.
func Characteristics() []*Characteristic {
	return characteristicsSorted
}

// CapabilityByID returns the capability entry for an ID.
func CapabilityByID(id uint8) (*Capability, bool) {
	c, ok := capabilitiesByID[id]
	return c, ok
}
