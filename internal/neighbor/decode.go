package neighbor

import (
	stdjson "encoding/json"
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"drivetest-pipeline/internal/parser"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Field aliases for the two record families
var (
	collisionKeys = []string{"collisions", "pci_collisions", "collision_candidates", "collision_locations"}
	primaryKeys   = []string{"primary_neighbors", "neighbors", "pairs", "primaries", "neighbor_pairs"}
	cellListKeys  = []string{"cells", "locations", "records", "items", "points"}
	neighborKeys  = []string{"neighbors", "neighbours", "neighbor_cells", "neighbour_cells"}
)

// Group is one collision candidate: a PCI and the cells reported with it
type Group struct {
	PCI   string
	Cells []parser.Record
}

// Primary is one measured serving cell plus the neighbors heard alongside it
type Primary struct {
	Record    parser.Record
	Neighbors []parser.Record
}

// Response is one decoded per-session neighbor query
type Response struct {
	SessionID string
	Groups    []Group
	Primaries []Primary
}

// Decode parses a raw neighbor-query response. The body may wrap its
// content under "data". Collision groups may come as an array of
// {pci, cells} objects or as an object keyed by PCI.
func Decode(sessionID string, raw []byte) (Response, error) {
	resp := Response{SessionID: sessionID}

	obj, err := decodeObject(raw)
	if err != nil {
		return resp, fmt.Errorf("decoding neighbor response for session %s: %w", sessionID, err)
	}
	if inner, ok := obj["data"]; ok {
		if innerObj, err := decodeObject(inner); err == nil {
			obj = innerObj
		}
	}

	if v, ok := firstPresent(obj, collisionKeys); ok {
		resp.Groups = decodeGroups(v)
	}
	if v, ok := firstPresent(obj, primaryKeys); ok {
		resp.Primaries = decodePrimaries(v)
	}
	return resp, nil
}

func decodeObject(raw []byte) (map[string]stdjson.RawMessage, error) {
	var obj map[string]stdjson.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("not an object")
	}
	return obj, nil
}

func firstPresent(obj map[string]stdjson.RawMessage, keys []string) (stdjson.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

func decodeGroups(raw stdjson.RawMessage) []Group {
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err == nil {
		groups := make([]Group, 0, len(list))
		for _, item := range list {
			if item == nil {
				continue
			}
			rec := parser.NewRecord(item)
			g := Group{PCI: rec.PCI()}
			if cells, ok := rec.First(cellListKeys).([]any); ok {
				g.Cells = records(cells)
			} else {
				// a flat group entry is itself the located cell
				g.Cells = []parser.Record{rec}
			}
			groups = append(groups, g)
		}
		return groups
	}

	var byPCI map[string][]map[string]any
	if err := json.Unmarshal(raw, &byPCI); err != nil {
		return nil
	}
	pcis := make([]string, 0, len(byPCI))
	for pci := range byPCI {
		pcis = append(pcis, pci)
	}
	sort.Strings(pcis)
	groups := make([]Group, 0, len(byPCI))
	for _, pci := range pcis {
		cells := make([]parser.Record, 0, len(byPCI[pci]))
		for _, c := range byPCI[pci] {
			if c != nil {
				cells = append(cells, parser.NewRecord(c))
			}
		}
		groups = append(groups, Group{PCI: pci, Cells: cells})
	}
	return groups
}

func decodePrimaries(raw stdjson.RawMessage) []Primary {
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	out := make([]Primary, 0, len(list))
	for _, item := range list {
		if item == nil {
			continue
		}
		rec := parser.NewRecord(item)
		p := Primary{Record: rec}
		if ns, ok := rec.First(neighborKeys).([]any); ok {
			p.Neighbors = records(ns)
		}
		out = append(out, p)
	}
	return out
}

func records(items []any) []parser.Record {
	out := make([]parser.Record, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, parser.NewRecord(m))
		}
	}
	return out
}
