package bars

import (
	"encoding/json"
	"fmt"
	"os"
)

// Ingestor parses a raw bar file into an unnormalized 1-minute series. The
// broker-specific text formats live behind this contract; the pipeline never
// reads raw input any other way, and the feature layer never calls it at
// all.
type Ingestor interface {
	Ingest(path string) (*Series, error)
}

// rawBar is one record of the generic raw JSON format.
type rawBar struct {
	Ts     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// JSONIngestor reads a JSON array of {ts,open,high,low,close,volume}
// records. It is the default collaborator; broker formats plug in their own
// Ingestor.
type JSONIngestor struct{}

// Ingest implements Ingestor.
func (JSONIngestor) Ingest(path string) (*Series, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading raw bars %s: %w", path, err)
	}
	var rows []rawBar
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing raw bars %s: %w", path, err)
	}
	s := &Series{}
	for _, r := range rows {
		s.push(r.Ts, r.Open, r.High, r.Low, r.Close, r.Volume)
	}
	return s, nil
}
