package queue

import (
	"encoding/json"

	"github.com/rohmanhakim/darc-crawler/internal/link"
)

// payloadDTO is the stable, self-describing JSON encoding of a queued Link.
// Only the URL (and, for provenance, the backref URL) are persisted: every
// other Link field is a pure function of the URL and the data root, so
// decoding re-invokes the classifier rather than risk divergence between the
// stored and the recomputed fields.
type payloadDTO struct {
	URL        string `json:"url"`
	BackrefURL string `json:"backref_url,omitempty"`
}

// EncodePayload serializes a Link for storage under its Name key.
func EncodePayload(l link.Link) ([]byte, error) {
	dto := payloadDTO{URL: l.URL()}
	if l.Backref() != nil {
		dto.BackrefURL = l.Backref().URL()
	}
	return json.Marshal(dto)
}

// DecodePayload reconstructs a Link from its stored payload by re-running
// classification against dataRoot, satisfying the round-trip invariant
// classify(payload.url) == payload.
func DecodePayload(dataRoot string, data []byte) (link.Link, error) {
	var dto payloadDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return link.Link{}, err
	}
	var backref *link.Link
	if dto.BackrefURL != "" {
		b := link.Classify(dataRoot, dto.BackrefURL, nil)
		backref = &b
	}
	return link.Classify(dataRoot, dto.URL, backref), nil
}
