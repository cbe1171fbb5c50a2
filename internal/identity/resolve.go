package identity

import (
	"fmt"
	"sort"
	"strings"
)

// NotFoundError reports a reference that matched no known repo.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no repo matches %q", e.Ref)
}

// AmbiguousError reports a reference that prefix-matched more than one repo
// ID. Matches holds the candidate index keys, sorted.
type AmbiguousError struct {
	Ref     string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("reference %q is ambiguous, matches: %s", e.Ref, strings.Join(e.Matches, ", "))
}

// Resolve maps a user-supplied reference to exactly one of the given index
// keys. Three tiers are tried in order: exact index key, exact repo ID, and
// repo ID prefix. The result is deterministic and Resolve has no side
// effects. Zero matches returns *NotFoundError; several prefix matches
// return *AmbiguousError listing all candidates.
func Resolve(ref string, keys []string) (string, error) {
	for _, key := range keys {
		if key == ref {
			return key, nil
		}
	}

	for _, key := range keys {
		id, _, err := Parse(key)
		if err != nil {
			continue
		}
		if id == ref {
			return key, nil
		}
	}

	var matches []string
	for _, key := range keys {
		id, _, err := Parse(key)
		if err != nil {
			continue
		}
		if strings.HasPrefix(id, ref) {
			matches = append(matches, key)
		}
	}
	sort.Strings(matches)

	switch len(matches) {
	case 0:
		return "", &NotFoundError{Ref: ref}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{Ref: ref, Matches: matches}
	}
}
