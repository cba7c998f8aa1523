package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"giftledger/core/types"
)

// EventsCSV builds a CSV export of the committed event log and returns the
// serialised data alongside a SHA-256 checksum of the payload. Attributes are
// flattened to canonical JSON so the column stays diffable between exports.
func EventsCSV(events []*types.Event) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"index", "type", "attributes"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for i, event := range events {
		if event == nil {
			continue
		}
		attrs, err := canonicalAttributes(event.Attributes)
		if err != nil {
			return nil, "", err
		}
		record := []string{
			fmt.Sprintf("%d", i),
			event.Type,
			attrs,
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

func canonicalAttributes(attributes map[string]string) (string, error) {
	if len(attributes) == 0 {
		return "{}", nil
	}
	// encoding/json sorts map keys, which gives a stable rendering.
	encoded, err := json.Marshal(attributes)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
