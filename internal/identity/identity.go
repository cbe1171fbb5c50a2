// Package identity defines the repo identity model: the immutable RepoID,
// the mutable repo name, and the composite index key used as a path token.
package identity

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// Separator joins a RepoID and a repo name into an index key. It is also
// what Parse splits on, so repo IDs must never contain it.
const Separator = "__"

// TimestampFormat is the UTC prefix of every RepoID.
const TimestampFormat = "20060102150405"

const (
	// DefaultSubIDCharset is the alphabet repo sub-IDs are drawn from.
	DefaultSubIDCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

	// DefaultSubIDLength is the number of random characters appended to
	// the timestamp prefix.
	DefaultSubIDLength = 6

	// maxGenerateAttempts bounds the collision-retry loop in NewID.
	maxGenerateAttempts = 100
)

// FormatError reports a malformed index key. The caller's input is wrong;
// retrying does not help.
type FormatError struct {
	Key    string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid index key %q: %s", e.Key, e.Reason)
}

// CollisionExhaustedError reports that ID generation failed to find an
// unused ID within the retry bound. This should never occur in practice
// and is reported distinctly from ordinary errors.
type CollisionExhaustedError struct {
	Attempts int
}

func (e *CollisionExhaustedError) Error() string {
	return fmt.Sprintf("could not generate an unused repo ID after %d attempts", e.Attempts)
}

// Compose builds the index key for a (RepoID, name) pair. It is the inverse
// of Parse for well-formed inputs.
func Compose(repoID, name string) string {
	return repoID + Separator + name
}

// Parse splits an index key into its RepoID and name. The split happens on
// the first occurrence of Separator; repo names may contain further
// separators but repo IDs may not.
func Parse(key string) (repoID, name string, err error) {
	id, rest, ok := strings.Cut(key, Separator)
	if !ok {
		return "", "", &FormatError{Key: key, Reason: "missing '" + Separator + "' separator"}
	}
	if id == "" {
		return "", "", &FormatError{Key: key, Reason: "empty repo ID segment"}
	}
	return id, rest, nil
}

// Generator produces new repo IDs of the form <timestamp>_<subid>.
type Generator struct {
	Charset string
	Length  int

	// now is swapped out in tests.
	now func() time.Time
}

// NewGenerator returns a Generator. Empty charset or non-positive length
// fall back to the defaults.
func NewGenerator(charset string, length int) *Generator {
	if charset == "" {
		charset = DefaultSubIDCharset
	}
	if length <= 0 {
		length = DefaultSubIDLength
	}
	return &Generator{Charset: charset, Length: length, now: time.Now}
}

// NewID draws candidate IDs until one is not present in existing, retrying
// up to a fixed bound. Exhausting the bound returns a
// *CollisionExhaustedError.
func (g *Generator) NewID(existing map[string]bool) (string, error) {
	now := time.Now
	if g.now != nil {
		now = g.now
	}
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		ts := now().UTC().Format(TimestampFormat)
		id := ts + "_" + g.subID()
		if !existing[id] {
			return id, nil
		}
	}
	return "", &CollisionExhaustedError{Attempts: maxGenerateAttempts}
}

func (g *Generator) subID() string {
	buf := make([]byte, g.Length)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = g.Charset[int(b)%len(g.Charset)]
	}
	return string(buf)
}
