// Package cos provides common low-level types and utilities shared by
// every ocpp-ws-io package: opaque ID generation, error wrapping, and
// byte-level helpers.
package cos

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"

	"github.com/teris-io/shortid"
)

// Alphabet for generating message/identity IDs; avoids characters that
// need escaping inside a JSON string or a Redis key.
const idABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

const (
	// LenShortID is the length of a freshly generated message id, per
	// https://github.com/teris-io/shortid#id-length
	LenShortID = 9
	// MaxIDLen bounds any opaque id (message, idempotency key) accepted
	// off the wire; spec.md §3 leaves the exact bound implementation-defined.
	MaxIDLen = 64
)

var (
	sid *shortid.Shortid
	tie atomic.Uint32
)

func init() {
	// seed is derived from crypto/rand so concurrently-started
	// processes don't collide on the shortid internal counter.
	var b [8]byte
	_, _ = rand.Read(b[:])
	seed := uint64(0)
	for _, c := range b {
		seed = seed<<8 | uint64(c)
	}
	sid = shortid.MustNew(4 /*worker*/, idABC, seed)
}

// GenMsgID returns a fresh opaque message id suitable for the wire
// `[2, "<msgId>", ...]` envelope. Ids are short, URL-safe, and collide
// only with astronomically low probability within a single process.
func GenMsgID() string {
	id := sid.MustGenerate()
	// shortid occasionally starts or ends with a separator; callers
	// (notably Redis keys built as ocpp:node:<id>) read more cleanly
	// without a leading/trailing '-' or '_'.
	if c := id[0]; c == '-' || c == '_' {
		id = string(rune('a'+int(tie.Add(1))%26)) + id
	}
	if c := id[len(id)-1]; c == '-' || c == '_' {
		id += string(rune('a' + int(tie.Add(1))%26))
	}
	return id
}

// IsValidID reports whether s could plausibly be an id we generated or
// would accept off the wire: non-empty, bounded, and built only from
// the alphanumeric/dash/underscore alphabet.
func IsValidID(s string) bool {
	if s == "" || len(s) > MaxIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// ValidateIdentity checks a station identity parsed from the upgrade
// URL (spec.md §6): non-empty, bounded, printable.
func ValidateIdentity(id string) error {
	if id == "" {
		return fmt.Errorf("identity must not be empty")
	}
	if len(id) > MaxIDLen {
		return fmt.Errorf("identity %q exceeds max length %d", id, MaxIDLen)
	}
	return nil
}
