package realtime

import (
	"encoding/json"

	"github.com/pencraft/pagesync/internal/pointcodec"
)

const EventTypeStroke = "stroke"

// Event is the JSON body of SEND and MESSAGE frames.
type Event struct {
	ProjectID string          `json:"projectId"`
	UserID    string          `json:"userId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Stroke is the sparse transmissible form of a stroke: only non-default
// fields are present, and an absent field means default, not removal.
type Stroke struct {
	ID      string   `json:"id"`
	Tool    string   `json:"tool,omitempty"`
	Color   string   `json:"color,omitempty"`
	Width   *float64 `json:"width,omitempty"`
	Opacity *float64 `json:"opacity,omitempty"`
}

// PageInfo is display metadata for the page a stroke lands on. It never
// carries the page's stroke list; receivers already hold or fetch that.
type PageInfo struct {
	ID              string `json:"id"`
	Type            string `json:"type,omitempty"`
	BackgroundColor string `json:"backgroundColor,omitempty"`
	Template        string `json:"template,omitempty"`
}

// StrokePayload is the payload of a stroke event. Points holds the codec
// output for the stroke's coordinate stream.
type StrokePayload struct {
	PageID   string              `json:"pageId"`
	Stroke   *Stroke             `json:"stroke,omitempty"`
	Points   *pointcodec.Encoded `json:"points,omitempty"`
	PageInfo *PageInfo           `json:"pageInfo,omitempty"`
}
