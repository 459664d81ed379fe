package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/qhub/pkg/canonical"
	"github.com/Mindburn-Labs/qhub/pkg/contracts"
)

// RedactedMarker replaces withheld values in a redacted payload.
const RedactedMarker = "[REDACTED]"

// sensitiveKeys are withheld at any depth for SENSITIVE entries.
var sensitiveKeys = map[string]bool{
	"payload":    true,
	"result":     true,
	"text":       true,
	"output":     true,
	"assignment": true,
	"error":      true,
}

// View is an entry as served to dashboards. When Redacted is set the payload
// no longer matches EntryHash; integrity is checked server side with
// VerifyChain.
type View struct {
	Entry
	Redacted bool `json:"redacted,omitempty"`
}

// Redact projects e for readers outside the hub.
//
//	PUBLIC, INTERNAL  payload unchanged
//	SENSITIVE         problem payloads and results withheld
//	REGULATED         the whole data object withheld
//
// Checkpoints carry no client data and are never redacted.
func Redact(e Entry) (View, error) {
	if e.IsCheckpoint() {
		return View{Entry: e}, nil
	}
	switch e.DataClassification {
	case contracts.ClassPublic, contracts.ClassInternal:
		return View{Entry: e}, nil
	}

	rec, err := e.Record()
	if err != nil {
		return View{}, err
	}
	if e.DataClassification == contracts.ClassSensitive {
		if len(rec.Data) > 0 {
			dec := json.NewDecoder(bytes.NewReader(rec.Data))
			dec.UseNumber()
			var data any
			if err := dec.Decode(&data); err != nil {
				return View{}, fmt.Errorf("decode data of entry %d: %w", e.Sequence, err)
			}
			if rec.Data, err = json.Marshal(withhold(data)); err != nil {
				return View{}, err
			}
		}
	} else {
		// Unknown classifications rank as REGULATED.
		rec.Data, _ = json.Marshal(map[string]string{"data": RedactedMarker})
	}

	payload, err := canonical.Marshal(rec)
	if err != nil {
		return View{}, fmt.Errorf("encode redacted entry %d: %w", e.Sequence, err)
	}
	e.Payload = payload
	return View{Entry: e, Redacted: true}, nil
}

func withhold(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if sensitiveKeys[k] && child != nil {
				t[k] = RedactedMarker
				continue
			}
			t[k] = withhold(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = withhold(child)
		}
		return t
	default:
		return v
	}
}
