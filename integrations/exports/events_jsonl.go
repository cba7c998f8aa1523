package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"giftledger/core/types"
)

// EventsJSONL builds a JSON Lines export of the committed event log and
// returns the serialised payload alongside a checksum.
func EventsJSONL(events []*types.Event) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for i, event := range events {
		if event == nil {
			continue
		}
		attributes := event.Attributes
		if attributes == nil {
			attributes = map[string]string{}
		}
		payload := map[string]interface{}{
			"index":      i,
			"type":       event.Type,
			"attributes": attributes,
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
