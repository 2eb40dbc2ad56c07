// Package dimensions implements the capability-matching machinery: a task
// names a requirement (key → set of acceptable values), a bot reports its
// concrete dimensions (key → one or more values), and a task matches a bot
// iff for every requirement key the bot's values intersect the acceptable
// set.
//
// To make matching indexable without a scan, a pending task is indexed under
// the hash of every concrete assignment of its requirement (one value chosen
// per key), and a polling bot looks up the hashes of every sub-assignment of
// its own dimensions. Both enumerations are bounded by MaxCombinations;
// anything larger is quarantined instead of indexed.
package dimensions

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/taskfleet/dispatch/internal/models"
)

// MaxCombinations bounds both the requirement expansion and the bot powerset.
// Exceeding it quarantines the offending entity rather than blowing up the
// index.
const MaxCombinations = 16384

// Normalize returns a copy of dims with sorted, deduplicated values and
// empty keys/values dropped. All hashing runs on normalized input so that
// equivalent dimension maps produce identical hashes.
func Normalize(dims map[string][]string) map[string][]string {
	out := make(map[string][]string, len(dims))
	for key, values := range dims {
		if key == "" {
			continue
		}
		seen := make(map[string]struct{}, len(values))
		var kept []string
		for _, v := range values {
			if v == "" {
				continue
			}
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			kept = append(kept, v)
		}
		if len(kept) == 0 {
			continue
		}
		sort.Strings(kept)
		out[key] = kept
	}
	return out
}

// AssignmentCount returns the number of concrete assignments of a
// requirement: the product of the value-set sizes. The count saturates at
// MaxCombinations+1 so callers can compare against the bound without
// overflow.
func AssignmentCount(requirement map[string][]string) int {
	count := 1
	for _, values := range requirement {
		count *= len(values)
		if count > MaxCombinations {
			return MaxCombinations + 1
		}
	}
	return count
}

// PowersetCount returns the number of sub-assignments of a bot's dimensions:
// for each key, either skip it or pick one of its values. Saturates like
// AssignmentCount.
func PowersetCount(botDims map[string][]string) int {
	count := 1
	for _, values := range botDims {
		count *= len(values) + 1
		if count > MaxCombinations {
			return MaxCombinations + 1
		}
	}
	return count
}

// ExpandRequirement returns the hash of every concrete assignment of the
// requirement. The caller must have checked AssignmentCount against
// MaxCombinations first; oversized requirements return ErrQuarantined.
func ExpandRequirement(requirement map[string][]string) ([]uint32, error) {
	requirement = Normalize(requirement)
	if AssignmentCount(requirement) > MaxCombinations {
		return nil, fmt.Errorf("%w: requirement expands to more than %d assignments", models.ErrQuarantined, MaxCombinations)
	}
	keys := sortedKeys(requirement)

	assignments := [][]string{nil} // Each entry is a list of "key=value" pairs, key-ordered.
	for _, key := range keys {
		next := make([][]string, 0, len(assignments)*len(requirement[key]))
		for _, partial := range assignments {
			for _, value := range requirement[key] {
				pair := append(append([]string(nil), partial...), key+"="+value)
				next = append(next, pair)
			}
		}
		assignments = next
	}

	hashes := make([]uint32, 0, len(assignments))
	for _, pairs := range assignments {
		hashes = append(hashes, hashPairs(pairs))
	}
	return hashes, nil
}

// BotLookupHashes returns the hash of every sub-assignment of the bot's
// dimensions: all ways of choosing, for each key, nothing or exactly one
// value. A pending task matches the bot iff one of the task's assignment
// hashes appears in this set. Oversized powersets return ErrQuarantined; the
// caller degrades the bot to sleep-only.
func BotLookupHashes(botDims map[string][]string) ([]uint32, error) {
	botDims = Normalize(botDims)
	if PowersetCount(botDims) > MaxCombinations {
		return nil, fmt.Errorf("%w: bot powerset exceeds %d combinations", models.ErrQuarantined, MaxCombinations)
	}
	keys := sortedKeys(botDims)

	assignments := [][]string{nil}
	for _, key := range keys {
		next := make([][]string, 0, len(assignments)*(len(botDims[key])+1))
		for _, partial := range assignments {
			next = append(next, partial) // Skip this key entirely.
			for _, value := range botDims[key] {
				pair := append(append([]string(nil), partial...), key+"="+value)
				next = append(next, pair)
			}
		}
		assignments = next
	}

	hashes := make([]uint32, 0, len(assignments))
	for _, pairs := range assignments {
		hashes = append(hashes, hashPairs(pairs))
	}
	return hashes, nil
}

// Matches re-checks a requirement against a bot's dimensions directly,
// without hashing. The scheduler runs it before committing a claim so that
// a hash collision can never hand a task to an incapable bot.
func Matches(requirement, botDims map[string][]string) bool {
	for key, accepted := range requirement {
		botValues, ok := botDims[key]
		if !ok {
			return false
		}
		if !intersects(accepted, botValues) {
			return false
		}
	}
	return true
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func sortedKeys(dims map[string][]string) []string {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// hashPairs hashes a key-ordered list of "key=value" pairs. FNV-1a is enough
// here: hashes only narrow the candidate search, Matches settles the claim.
func hashPairs(pairs []string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(strings.Join(pairs, "\x00")))
	return h.Sum32()
}
