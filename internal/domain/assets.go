package domain

import (
	"maps"
	"slices"
)

// FlattenAssets returns a shallow copy of item whose assets map is replaced by
// a list of asset objects, each carrying a "name" field equal to its key.
// Entries are ordered by name. The input item is left untouched, so a batch
// can be flattened again after a rewind.
func FlattenAssets(item Item) Item {
	out := maps.Clone(item)
	if out == nil {
		return nil
	}
	assets, ok := item["assets"].(map[string]any)
	if !ok {
		return out
	}

	list := make([]any, 0, len(assets))
	for _, name := range slices.Sorted(maps.Keys(assets)) {
		fields, _ := assets[name].(map[string]any)
		entry := make(map[string]any, len(fields)+1)
		maps.Copy(entry, fields)
		entry["name"] = name
		list = append(list, entry)
	}
	out["assets"] = list
	return out
}
