// Package capability implements the URN-token permission system granted
// to processes at spawn: per-grant host-function symbols, inbound and
// outbound topic sets, and instance affinity.
package capability

import (
	"fmt"
	"strings"

	"github.com/najoast/filament/abi"
)

// Affinity states whether a capability tolerates pooled instances.
type Affinity uint32

const (
	// Agnostic capabilities work with any instance, pooled or not.
	Agnostic Affinity = iota

	// Pinned capabilities demand a persistent instance and may never be
	// granted to a Stateless module.
	Pinned
)

// String returns the string representation of Affinity.
func (a Affinity) String() string {
	switch a {
	case Agnostic:
		return "agnostic"
	case Pinned:
		return "pinned"
	default:
		return "unknown"
	}
}

// Direction of an event relative to the process.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

// Grant is one URN-identified permission.
type Grant struct {
	// URN names the capability, e.g. "urn:filament:cap:kv".
	URN string

	Affinity Affinity

	// HostFuncs lists the kernel host-function symbols this grant
	// authorizes.
	HostFuncs []string

	// InboundTopics and OutboundTopics list authorized topics. An entry
	// ending in "/*" grants the whole prefix.
	InboundTopics  []string
	OutboundTopics []string
}

// Set is the capability set attached to a process.
type Set struct {
	grants []Grant
}

// NewSet validates and assembles a capability set.
func NewSet(grants ...Grant) (*Set, error) {
	for _, g := range grants {
		if g.URN == "" {
			return nil, fmt.Errorf("capability: %w: empty urn", abi.ErrInvalid)
		}
		for _, topic := range append(append([]string(nil), g.InboundTopics...), g.OutboundTopics...) {
			pattern := strings.TrimSuffix(topic, "/*")
			if err := abi.ValidateURI(pattern); err != nil {
				return nil, fmt.Errorf("capability %s: %w", g.URN, err)
			}
		}
	}
	return &Set{grants: grants}, nil
}

// Grants returns the grants in declaration order.
func (s *Set) Grants() []Grant { return s.grants }

// Allows reports whether any grant authorizes the topic in the given
// direction. Matching is byte-exact; "/*" entries match the prefix.
func (s *Set) Allows(topic string, dir Direction) bool {
	if s == nil {
		return false
	}
	for _, g := range s.grants {
		topics := g.OutboundTopics
		if dir == Inbound {
			topics = g.InboundTopics
		}
		for _, pattern := range topics {
			if topicMatch(pattern, topic) {
				return true
			}
		}
	}
	return false
}

// AllowsHostFunc reports whether any grant authorizes the host-function
// symbol.
func (s *Set) AllowsHostFunc(symbol string) bool {
	if s == nil {
		return false
	}
	for _, g := range s.grants {
		for _, f := range g.HostFuncs {
			if f == symbol {
				return true
			}
		}
	}
	return false
}

// HasPinned reports whether any grant demands a persistent instance.
// Enforced against Stateless modules at load time.
func (s *Set) HasPinned() bool {
	if s == nil {
		return false
	}
	for _, g := range s.grants {
		if g.Affinity == Pinned {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every topic and host function s authorizes is
// also authorized by parent. Used at spawn unless the host escalates.
func (s *Set) SubsetOf(parent *Set) bool {
	if s == nil {
		return true
	}
	if parent == nil {
		return len(s.grants) == 0
	}
	for _, g := range s.grants {
		for _, topic := range g.OutboundTopics {
			if !parent.allowsPattern(topic, Outbound) {
				return false
			}
		}
		for _, topic := range g.InboundTopics {
			if !parent.allowsPattern(topic, Inbound) {
				return false
			}
		}
		for _, f := range g.HostFuncs {
			if !parent.AllowsHostFunc(f) {
				return false
			}
		}
	}
	return true
}

// allowsPattern checks that a child pattern is covered by the parent
// set: exact entries are checked directly, prefix entries must be
// covered by an equal or wider parent prefix.
func (s *Set) allowsPattern(pattern string, dir Direction) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		for _, g := range s.grants {
			topics := g.OutboundTopics
			if dir == Inbound {
				topics = g.InboundTopics
			}
			for _, parentPattern := range topics {
				if parentPrefix, wild := strings.CutSuffix(parentPattern, "/*"); wild {
					if parentPrefix == prefix || strings.HasPrefix(prefix+"/", parentPrefix+"/") {
						return true
					}
				}
			}
		}
		return false
	}
	return s.Allows(pattern, dir)
}

func topicMatch(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(topic, prefix+"/")
	}
	return pattern == topic
}
