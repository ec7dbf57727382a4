package p2p

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// VersionPolicy decides whether a peer's advertised version is acceptable.
type VersionPolicy interface {
	IsValidVersion(peer *Peer) bool
}

type constraintOp int

const (
	opEqual constraintOp = iota
	opAtLeast
	opGreater
	opCaret
	opTilde
)

type versionConstraint struct {
	op      constraintOp
	version string
}

// MinimumVersionPolicy accepts peers whose version satisfies any of its
// constraints. Supported forms are >=X, >X, ^X, ~X, =X and bare X. With no
// constraints any well-formed version is accepted.
type MinimumVersionPolicy struct {
	constraints []versionConstraint
}

// NewMinimumVersionPolicy parses constraints.
func NewMinimumVersionPolicy(constraints []string) (*MinimumVersionPolicy, error) {
	policy := &MinimumVersionPolicy{}
	for _, raw := range constraints {
		c, err := parseConstraint(raw)
		if err != nil {
			return nil, err
		}
		policy.constraints = append(policy.constraints, c)
	}
	return policy, nil
}

func parseConstraint(raw string) (versionConstraint, error) {
	s := strings.TrimSpace(raw)
	op := opEqual
	for _, prefix := range []struct {
		text string
		op   constraintOp
	}{{">=", opAtLeast}, {">", opGreater}, {"^", opCaret}, {"~", opTilde}, {"=", opEqual}} {
		if strings.HasPrefix(s, prefix.text) {
			op = prefix.op
			s = strings.TrimSpace(s[len(prefix.text):])
			break
		}
	}
	v, ok := canonicalVersion(s)
	if !ok {
		return versionConstraint{}, fmt.Errorf("p2p: invalid version constraint %q", raw)
	}
	return versionConstraint{op: op, version: v}, nil
}

// canonicalVersion accepts MAJOR.MINOR.PATCH with optional prerelease and
// build suffixes, with or without a leading "v".
func canonicalVersion(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	v := "v" + strings.TrimPrefix(s, "v")
	if !semver.IsValid(v) {
		return "", false
	}
	core := v
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	if strings.Count(core, ".") != 2 {
		return "", false
	}
	return v, true
}

// IsValidVersion reports whether peer advertises an acceptable version.
func (p *MinimumVersionPolicy) IsValidVersion(peer *Peer) bool {
	v, ok := canonicalVersion(peer.Version())
	if !ok {
		return false
	}
	if len(p.constraints) == 0 {
		return true
	}
	for _, c := range p.constraints {
		if c.satisfiedBy(v) {
			return true
		}
	}
	return false
}

func (c versionConstraint) satisfiedBy(v string) bool {
	cmp := semver.Compare(v, c.version)
	switch c.op {
	case opAtLeast:
		return cmp >= 0
	case opGreater:
		return cmp > 0
	case opCaret:
		if cmp < 0 {
			return false
		}
		if semver.Major(c.version) != "v0" {
			return semver.Major(v) == semver.Major(c.version)
		}
		return semver.MajorMinor(v) == semver.MajorMinor(c.version)
	case opTilde:
		return cmp >= 0 && semver.MajorMinor(v) == semver.MajorMinor(c.version)
	default:
		return cmp == 0
	}
}
