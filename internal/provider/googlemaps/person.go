package googlemaps

import (
	"time"

	"locatorbot/internal/tracking"
)

type person struct {
	ID        string
	FullName  string
	Nickname  string
	Latitude  float64
	Longitude float64
	Timestamp time.Time
	AccuracyM float64
	Address   string
	Charging  bool
	Battery   int
}

func (p person) reading() tracking.Reading {
	return tracking.Reading{
		Name:      p.Nickname,
		FullName:  p.FullName,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Timestamp: p.Timestamp,
		Charging:  p.Charging,
		Battery:   p.Battery,
		AccuracyM: p.AccuracyM,
		Address:   p.Address,
	}
}

// parsePerson reads one entry of the people array:
//
//	[1][1][1] longitude, [1][1][2] latitude, [1][2] timestamp ms,
//	[1][3] accuracy m, [1][4] address,
//	[6][0] id, [6][2] full name, [6][3] nickname,
//	[13][0] charging, [13][1] battery percent.
func parsePerson(data []any) (person, error) {
	var p person
	p.ID, _ = index(data, 6, 0).(string)
	p.FullName, _ = index(data, 6, 2).(string)
	p.Nickname, _ = index(data, 6, 3).(string)
	if p.Nickname == "" {
		p.Nickname = p.FullName
	}
	if p.Nickname == "" {
		return person{}, errMalformed
	}

	lat, okLat := index(data, 1, 1, 2).(float64)
	lon, okLon := index(data, 1, 1, 1).(float64)
	if !okLat || !okLon {
		return person{}, errMalformed
	}
	p.Latitude, p.Longitude = lat, lon
	if ms, ok := index(data, 1, 2).(float64); ok && ms > 0 {
		p.Timestamp = time.UnixMilli(int64(ms)).UTC()
	}
	p.AccuracyM, _ = index(data, 1, 3).(float64)
	p.Address, _ = index(data, 1, 4).(string)

	switch v := index(data, 13, 0).(type) {
	case float64:
		p.Charging = v != 0
	case bool:
		p.Charging = v
	}
	if b, ok := index(data, 13, 1).(float64); ok {
		p.Battery = int(b)
	}
	return p, nil
}

// index walks nested JSON arrays, returning nil when any step is missing.
func index(v any, path ...int) any {
	for _, i := range path {
		arr, ok := v.([]any)
		if !ok || i < 0 || i >= len(arr) {
			return nil
		}
		v = arr[i]
	}
	return v
}
