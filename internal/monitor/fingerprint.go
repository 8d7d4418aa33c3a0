package monitor

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
)

// fingerprint derives a stable hash over the record's status plus the
// watched fields. Key order and whitespace never matter: the map is
// marshaled with sorted keys before hashing, so the same record state
// always yields the same fingerprint (and therefore the same task id).
func fingerprint(status, recipient string, watched map[string]any) string {
	keys := make([]string, 0, len(watched))
	for k := range watched {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s\x00%s", status, recipient)
	for _, k := range keys {
		b, err := json.Marshal(watched[k])
		if err != nil {
			b = []byte(fmt.Sprint(watched[k]))
		}
		_, _ = fmt.Fprintf(h, "\x00%s=%s", k, b)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// taskID is the idempotent task identifier: the same record in the
// same notified-about state always maps to the same id.
func taskID(recordID, fp string) string {
	return recordID + ":" + fp
}
