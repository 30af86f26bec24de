package config

import (
	"encoding/json"
	"hash/fnv"
)

// fingerprint hashes the decoded config, so edits that only touch
// whitespace, comments or key order compare equal.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
