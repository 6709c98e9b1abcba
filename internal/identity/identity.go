// Package identity generates and validates the identifiers used across
// the runtime: ULID-based ids for events, messages, memories, and
// decisions, slug-plus-hash cell ids, and the stable project hash that
// names the on-disk state directory.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// Crockford's base32 alphabet (no padding, case-insensitive).
	crockfordBase32 = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

	// Valid agent names: lowercase alphanumeric + underscores.
	agentNameRegex = regexp.MustCompile(`^[a-z0-9_]+$`)

	// CellIDRegex matches <slug>-<base36 epoch>-<base36 hash>, both
	// suffix groups at least six characters.
	CellIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*-[0-9a-z]{6,}-[0-9a-z]{6,}$`)

	// Names that cannot be used for agents. "all" and "broadcast" are
	// reserved alongside the "*" send target so recipient expansion
	// stays unambiguous.
	reservedNames = map[string]bool{
		"system":      true,
		"swarmmail":   true,
		"coordinator": true,
		"all":         true,
		"broadcast":   true,
	}
)

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

func generateULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy)
	return id.String()
}

// GenerateEventID generates a unique event ID.
// Format: "evt_" + ulid(). Used for append deduplication.
func GenerateEventID() string {
	return "evt_" + generateULID()
}

// GenerateMessageID generates a unique message ID.
// Format: "msg_" + ulid().
func GenerateMessageID() string {
	return "msg_" + generateULID()
}

// GenerateThreadID generates a unique thread ID.
// Format: "thr_" + ulid().
func GenerateThreadID() string {
	return "thr_" + generateULID()
}

// GenerateMemoryID generates a unique memory ID.
// Format: "mem_" + ulid().
func GenerateMemoryID() string {
	return "mem_" + generateULID()
}

// GenerateDecisionID generates a unique decision trace ID.
// Format: "dec_" + ulid().
func GenerateDecisionID() string {
	return "dec_" + generateULID()
}

// ULIDTimestamp extracts the embedded timestamp from a prefixed ULID id
// such as "evt_01J...". Returns an error for malformed ids.
func ULIDTimestamp(id string) (time.Time, error) {
	if i := strings.IndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ULID: %w", err)
	}
	ms := parsed.Time()
	return time.UnixMilli(int64(ms)), nil //nolint:gosec // ULID time fits in int64 until year 10889
}

// ProjectHash returns the stable 8-character hash that, combined with
// the slug, names a project's state directory. Derived from the raw
// project key so renames of the directory basename still map to the
// same database when the key is unchanged.
func ProjectHash(projectKey string) string {
	sum := sha256.Sum256([]byte(projectKey))
	return strings.ToLower(crockfordBase32.EncodeToString(sum[:]))[:8]
}

// Slugify lowercases s and collapses every non-alphanumeric run into a
// single hyphen. The result is safe for directory names and cell id
// prefixes. Empty input slugs to "project".
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true // trim leading hyphens
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "project"
	}
	return out
}

// EncodeBase36 encodes data as lowercase base36, left-padded with zeros
// to the requested length.
func EncodeBase36(data []byte, length int) string {
	n := new(big.Int).SetBytes(data)
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n.Sign() == 0 {
		return strings.Repeat("0", length)
	}
	var digits []byte
	base := big.NewInt(36)
	mod := new(big.Int)
	for n.Sign() > 0 {
		n.DivMod(n, base, mod)
		digits = append(digits, alphabet[mod.Int64()])
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	s := string(digits)
	if len(s) >= length {
		return s[len(s)-length:]
	}
	return strings.Repeat("0", length-len(s)) + s
}

// epochBase36 renders a timestamp's unix seconds in base36, at least
// six characters so it always satisfies CellIDRegex.
func epochBase36(t time.Time) string {
	s := big.NewInt(t.Unix()).Text(36)
	if len(s) < 6 {
		s = strings.Repeat("0", 6-len(s)) + s
	}
	return s
}

// GenerateCellID builds a cell id of the form
// <project-slug>-<epoch base36>-<content hash base36>. The hash covers
// title, creator, the creation instant and a nonce, so two cells created
// in the same second with the same title still diverge.
func GenerateCellID(projectSlug, title, creator string, now time.Time, nonce uint64) string {
	content := fmt.Sprintf("%s|%s|%d|%d", title, creator, now.UnixNano(), nonce)
	sum := sha256.Sum256([]byte(content))
	hash := EncodeBase36(sum[:4], 6)
	return fmt.Sprintf("%s-%s-%s", projectSlug, epochBase36(now), hash)
}

// ValidateCellID checks an id against the canonical cell id shape.
func ValidateCellID(id string) error {
	if id == "" {
		return fmt.Errorf("cell id cannot be empty")
	}
	if !CellIDRegex.MatchString(id) {
		return fmt.Errorf("cell id %q does not match <slug>-<epoch36>-<hash36>", id)
	}
	return nil
}

// CellIDHash returns the trailing hash segment of a cell id, or "" when
// the id does not look like a cell id. Partial resolution matches on
// this segment first.
func CellIDHash(id string) string {
	parts := strings.Split(id, "-")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-1]
}

// ValidateAgentName validates an agent name. Names must be safe for
// event payloads, JSONL fields, and @mention targets.
//
// Rules:
//   - Allowed characters: lowercase letters (a-z), digits (0-9), underscores (_)
//   - Reserved names: system, swarmmail, coordinator, all, broadcast
//   - Cannot be empty
func ValidateAgentName(name string) error {
	if name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if reservedNames[name] {
		return fmt.Errorf("agent name %q is reserved and cannot be used", name)
	}
	if !agentNameRegex.MatchString(name) {
		return fmt.Errorf("agent name %q contains invalid characters; only lowercase letters (a-z), digits (0-9), and underscores (_) are allowed", name)
	}
	return nil
}
