package session

import "strings"

// RawFeatureSets is the wire shape of an mcpl/featureSets_changed payload:
// a map from a concrete serverId or a "prefix.*" wildcard pattern to its
// feature flags, in the order they were declared (Keys preserves that
// order since Go maps don't).
type RawFeatureSets struct {
	Keys   []string
	Values map[string]FeatureSet
}

// ExpandFeatureSets resolves wildcard patterns in raw against the delegate's
// actual serverIds, producing an entry for each serverId that a concrete key
// or a wildcard matches; every concrete key is also copied into the result,
// whether or not it is among serverIDs. A "prefix.*" key matches ids that
// start with "prefix." (the dot included). A concrete
// key always overrides any wildcard key for the same serverId. When more
// than one wildcard matches the same serverId, the first one declared (by
// raw.Keys order) wins — an explicit resolution of the spec's "first
// wildcard wins" rule in insertion-declaration order.
func ExpandFeatureSets(raw RawFeatureSets, serverIDs []string) map[string]FeatureSet {
	concrete := make(map[string]FeatureSet)
	wildcardOrder := make([]string, 0, len(raw.Keys))
	for _, key := range raw.Keys {
		if strings.HasSuffix(key, ".*") {
			wildcardOrder = append(wildcardOrder, key)
			continue
		}
		concrete[key] = raw.Values[key]
	}

	out := make(map[string]FeatureSet, len(serverIDs))
	for _, id := range serverIDs {
		if fs, ok := concrete[id]; ok {
			out[id] = fs
			continue
		}
		for _, pattern := range wildcardOrder {
			prefix := strings.TrimSuffix(pattern, "*")
			if strings.HasPrefix(id, prefix) {
				out[id] = raw.Values[pattern]
				break
			}
		}
	}
	for id, fs := range concrete {
		out[id] = fs
	}
	return out
}
