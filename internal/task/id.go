package task

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"
)

// Params maps parameter names to their values
type Params map[string]string

// idHashLen is the number of hex characters kept from the params digest
const idHashLen = 12

// ID derives the stable identity of a task from its kind and parameters.
// Two tasks with equal kind and params always share an ID.
func ID(t Task) string {
	return MakeID(t.Kind(), t.Params())
}

// MakeID renders Kind_<digest>, where digest covers the kind and every
// parameter in sorted key order
func MakeID(kind string, params Params) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	writeField := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}

	writeField(kind)
	for _, k := range keys {
		writeField(k)
		writeField(params[k])
	}

	sum := hex.EncodeToString(h.Sum(nil))
	return sanitizeKind(kind) + "_" + sum[:idHashLen]
}

func sanitizeKind(kind string) string {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return "task"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, kind)
}
