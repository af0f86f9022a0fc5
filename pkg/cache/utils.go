package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Key creates a cache key from prefix and parts.
func Key(prefix string, parts ...string) string {
	if len(parts) == 0 {
		return prefix
	}
	return prefix + ":" + strings.Join(parts, ":")
}

// KeyWithParams creates a deterministic key from a params map. Params
// are sorted so the same map always yields the same key.
func KeyWithParams(prefix string, params map[string]string) string {
	if len(params) == 0 {
		return prefix
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(prefix)
	for _, k := range keys {
		fmt.Fprintf(&b, ":%s=%s", k, params[k])
	}
	return b.String()
}

// HashKey generates an MD5 hash of a key, for keys that would otherwise
// exceed sane key lengths.
func HashKey(key string) string {
	hasher := md5.New()
	hasher.Write([]byte(key))
	return hex.EncodeToString(hasher.Sum(nil))
}

// BuildPattern creates a Redis pattern for key matching.
func BuildPattern(prefix string) string {
	return fmt.Sprintf("%s*", prefix)
}
