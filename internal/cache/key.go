package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ToolKey derives a stable cache key for a tool call. encoding/json sorts
// map keys, so argument order does not matter.
func ToolKey(tool string, args map[string]any) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", args))
	}
	hash := sha256.Sum256([]byte("tool:" + tool + ":" + string(encoded)))
	return hex.EncodeToString(hash[:])
}
