package syncengine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"driftmesh/go-core/pkg/models"
)

const (
	markerOpen  = "<<<<<<< "
	markerSep   = "======="
	markerClose = ">>>>>>> "

	conflictKey = "__conflict__"
)

// Merge resolves two conflicting versions of an item into one payload.
// The strategy follows the item type; anything unrecognised falls back
// to last-writer-wins. Inputs are ordered deterministically first so
// both sides of a partition compute byte-identical results.
func Merge(a, b models.SyncItem) ([]byte, error) {
	first, second := orderPair(a, b)
	switch strings.ToLower(a.Type) {
	case "text", "document":
		return mergeText(first, second), nil
	case "map", "object", "json":
		return mergeMapPayloads(first.Payload, second.Payload)
	case "list", "array":
		return mergeListPayloads(first.Payload, second.Payload)
	default:
		return lastWriter(a, b).Payload, nil
	}
}

// orderPair picks a stable order for the two sides so that merge output
// does not depend on which replica runs it.
func orderPair(a, b models.SyncItem) (models.SyncItem, models.SyncItem) {
	if a.Checksum <= b.Checksum {
		return a, b
	}
	return b, a
}

func lastWriter(a, b models.SyncItem) models.SyncItem {
	if b.Timestamp.After(a.Timestamp) {
		return b
	}
	if a.Timestamp.After(b.Timestamp) {
		return a
	}
	// Same instant: stable tie-break.
	first, _ := orderPair(a, b)
	return first
}

// conflictRef labels one side of a text conflict. Markers name the
// originating replica rather than local/remote: by the time the merge
// runs the sides have been reordered for determinism, so a positional
// label would misattribute authorship.
func conflictRef(item models.SyncItem) string {
	if item.OriginNode != "" {
		return item.OriginNode
	}
	if len(item.Checksum) > 8 {
		return item.Checksum[:8]
	}
	return item.Checksum
}

// mergeText walks both sides line by line. Matching lines pass through,
// diverging lines are kept as an explicit conflict block for a human to
// settle.
func mergeText(a, b models.SyncItem) []byte {
	if len(a.Payload) == 0 {
		return append([]byte(nil), b.Payload...)
	}
	if len(b.Payload) == 0 {
		return append([]byte(nil), a.Payload...)
	}
	linesA := strings.Split(string(a.Payload), "\n")
	linesB := strings.Split(string(b.Payload), "\n")
	open := markerOpen + conflictRef(a)
	closing := markerClose + conflictRef(b)

	max := len(linesA)
	if len(linesB) > max {
		max = len(linesB)
	}
	merged := make([]string, 0, max)
	for i := 0; i < max; i++ {
		switch {
		case i < len(linesA) && i < len(linesB):
			if linesA[i] == linesB[i] {
				merged = append(merged, linesA[i])
			} else {
				merged = append(merged, open, linesA[i], markerSep, linesB[i], closing)
			}
		case i < len(linesA):
			merged = append(merged, linesA[i])
		default:
			merged = append(merged, linesB[i])
		}
	}
	return []byte(strings.Join(merged, "\n"))
}

func mergeMapPayloads(a, b []byte) ([]byte, error) {
	var ma, mb map[string]any
	if err := json.Unmarshal(a, &ma); err != nil {
		return nil, fmt.Errorf("decode map payload: %w", err)
	}
	if err := json.Unmarshal(b, &mb); err != nil {
		return nil, fmt.Errorf("decode map payload: %w", err)
	}
	return json.Marshal(mergeMaps(ma, mb))
}

// mergeMaps merges recursively. Keys present on one side pass through;
// keys present on both either recurse (maps), pass through (equal), or
// become an explicit conflict node.
func mergeMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, va := range a {
		vb, inBoth := b[k]
		if !inBoth {
			out[k] = va
			continue
		}
		subA, okA := va.(map[string]any)
		subB, okB := vb.(map[string]any)
		if okA && okB {
			out[k] = mergeMaps(subA, subB)
			continue
		}
		if reflect.DeepEqual(va, vb) {
			out[k] = va
			continue
		}
		out[k] = map[string]any{
			conflictKey: true,
			"local":     va,
			"remote":    vb,
		}
	}
	for k, vb := range b {
		if _, seen := a[k]; !seen {
			out[k] = vb
		}
	}
	return out
}

func mergeListPayloads(a, b []byte) ([]byte, error) {
	var la, lb []any
	if err := json.Unmarshal(a, &la); err != nil {
		return nil, fmt.Errorf("decode list payload: %w", err)
	}
	if err := json.Unmarshal(b, &lb); err != nil {
		return nil, fmt.Errorf("decode list payload: %w", err)
	}

	out := make([]any, 0, len(la)+len(lb))
	seen := make(map[string]struct{}, len(la)+len(lb))
	appendUnique := func(items []any) {
		for _, item := range items {
			key, err := json.Marshal(item)
			if err != nil {
				continue
			}
			if _, dup := seen[string(key)]; dup {
				continue
			}
			seen[string(key)] = struct{}{}
			out = append(out, item)
		}
	}
	appendUnique(la)
	appendUnique(lb)
	return json.Marshal(out)
}
