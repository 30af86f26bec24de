package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"locatorbot/internal/tracking"
)

type geometry struct {
	Type        string       `json:"type"`
	Coordinates [][2]float64 `json:"coordinates"`
}

type feature struct {
	Type       string         `json:"type"`
	Geometry   geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type trackResponse struct {
	OwnerID int64    `json:"owner_id"`
	Object  string   `json:"object"`
	Date    string   `json:"date,omitempty"`
	Start   string   `json:"start,omitempty"`
	End     string   `json:"end,omitempty"`
	Points  int      `json:"points"`
	GeoJSON *feature `json:"geojson"`
}

// track returns the object's samples as a GeoJSON LineString.
//
// Range selection, first match wins: all=1|true, from/to (RFC3339, either
// may be omitted), days=N (last N days), date=YYYY-MM-DD (one UTC day).
// Default is today in UTC.
func (a *api) track(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]
	q := r.URL.Query()

	resp := trackResponse{OwnerID: id, Object: name}
	var from, to time.Time

	switch all, days, date := q.Get("all"), q.Get("days"), q.Get("date"); {
	case all == "1" || all == "true":
	case q.Get("from") != "" || q.Get("to") != "":
		var err error
		if from, err = parseTime(q.Get("from")); err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		if to, err = parseTime(q.Get("to")); err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		if !to.IsZero() && !from.Before(to) {
			writeError(w, http.StatusBadRequest, "from must be before to")
			return
		}
		if !from.IsZero() {
			resp.Start = from.UTC().Format(time.RFC3339)
		}
		if !to.IsZero() {
			resp.End = to.UTC().Format(time.RFC3339)
		}
	case days != "":
		n, err := parsePositiveInt(days)
		if err != nil {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		to = time.Now().UTC()
		from = to.AddDate(0, 0, -n)
		resp.Start = from.Format(time.RFC3339)
		resp.End = to.Format(time.RFC3339)
	case date != "":
		d, err := time.Parse("2006-01-02", date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date format must be YYYY-MM-DD")
			return
		}
		from = d.UTC()
		to = from.AddDate(0, 0, 1)
		resp.Date = date
	default:
		now := time.Now().UTC()
		from = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		to = from.AddDate(0, 0, 1)
		resp.Date = from.Format("2006-01-02")
	}

	samples, err := a.deps.Store.Samples(r.Context(), id, name, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	resp.Points = len(samples)
	if len(samples) > 0 {
		resp.GeoJSON = lineString(samples)
	}
	writeJSON(w, http.StatusOK, resp)
}

func lineString(samples []tracking.Sample) *feature {
	coords := make([][2]float64, 0, len(samples))
	var meters float64
	for i, s := range samples {
		coords = append(coords, [2]float64{s.Longitude, s.Latitude})
		if i > 0 {
			meters += tracking.Distance(samples[i-1].Point(), s.Point())
		}
	}
	return &feature{
		Type:     "Feature",
		Geometry: geometry{Type: "LineString", Coordinates: coords},
		Properties: map[string]any{
			"start":      samples[0].Timestamp.UTC().Format(time.RFC3339),
			"end":        samples[len(samples)-1].Timestamp.UTC().Format(time.RFC3339),
			"distance_m": meters,
		},
	}
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parsePositiveInt(input string) (int, error) {
	v, err := strconv.Atoi(input)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid positive integer %q", input)
	}
	return v, nil
}
