// Package ids implements the author/name:version public identifiers used
// throughout the multiplexer to name protocols, connections and skills.
package ids

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var tokenPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Version is a semantic-version-like triple of non-negative integers.
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func parseVersion(raw string) (Version, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("ids: version %q must have three dotted components", raw)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("ids: version component %q in %q is not a non-negative integer", p, raw)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// PublicId is the structured `author/name:major.minor.patch` identifier
// shared by ProtocolId, ConnectionId and SkillId. Equality is structural.
type PublicId struct {
	Author  string
	Name    string
	Version Version
}

// String renders the canonical wire representation.
func (p PublicId) String() string {
	return fmt.Sprintf("%s/%s:%s", p.Author, p.Name, p.Version)
}

// IsZero reports whether p is the zero value (useful for "absent" checks).
func (p PublicId) IsZero() bool {
	return p.Author == "" && p.Name == "" && p.Version == Version{}
}

// Parse parses the canonical `author/name:major.minor.patch` string form.
func Parse(raw string) (PublicId, error) {
	authorAndRest := strings.SplitN(raw, "/", 2)
	if len(authorAndRest) != 2 {
		return PublicId{}, fmt.Errorf("ids: %q is not of the form author/name:version", raw)
	}
	author := authorAndRest[0]
	nameAndVersion := strings.SplitN(authorAndRest[1], ":", 2)
	if len(nameAndVersion) != 2 {
		return PublicId{}, fmt.Errorf("ids: %q is not of the form author/name:version", raw)
	}
	name := nameAndVersion[0]

	if !tokenPattern.MatchString(author) {
		return PublicId{}, fmt.Errorf("ids: author %q must match [a-z_][a-z0-9_]*", author)
	}
	if !tokenPattern.MatchString(name) {
		return PublicId{}, fmt.Errorf("ids: name %q must match [a-z_][a-z0-9_]*", name)
	}

	version, err := parseVersion(nameAndVersion[1])
	if err != nil {
		return PublicId{}, err
	}

	return PublicId{Author: author, Name: name, Version: version}, nil
}

// FromURIPath parses a URI path segment (with or without a leading slash)
// as a PublicId. It never errors and does not log: a malformed path simply
// yields ok=false (EnvelopeContext.SkillID logs that case at debug level).
func FromURIPath(path string) (PublicId, bool) {
	trimmed := strings.TrimPrefix(path, "/")
	id, err := Parse(trimmed)
	if err != nil {
		return PublicId{}, false
	}
	return id, true
}

// ProtocolId, ConnectionId and SkillId are all structurally the same kind
// of identifier; the distinct names exist for readability at call sites.
type (
	ProtocolId   = PublicId
	ConnectionId = PublicId
	SkillId      = PublicId
)
