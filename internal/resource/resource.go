// Package resource defines what relay synchronizes: locations, resource
// identities, their instances at each location and the per-ability rules
// for comparing and reconciling them.
package resource

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// CentralOwner is the owner id of the central store.
const CentralOwner = "central"

// Manifest is the required file inside every skill directory.
const Manifest = "SKILL.md"

// Ability is the kind of resource a location holds. It is a closed set;
// behavior that differs per ability is dispatched with a switch on the tag.
type Ability int

const (
	// Command is a directory of single-file command snippets.
	Command Ability = iota
	// Skill is a directory of skill directories, each with a SKILL.md.
	Skill
	// Agent is a single agent instruction file per client.
	Agent
	// Rule is a single rules file per client.
	Rule
)

// Abilities lists every ability in enumeration order.
var Abilities = []Ability{Command, Skill, Agent, Rule}

// String returns the lowercase ability name.
func (a Ability) String() string {
	switch a {
	case Command:
		return "command"
	case Skill:
		return "skill"
	case Agent:
		return "agent"
	case Rule:
		return "rule"
	default:
		return "unknown"
	}
}

// ParseAbility is the inverse of Ability.String.
func ParseAbility(s string) (Ability, error) {
	for _, a := range Abilities {
		if a.String() == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown ability %q", s)
}

// Singleton reports whether the ability has one resource per location
// (an empty name) instead of a directory of named resources.
func (a Ability) Singleton() bool {
	return a == Agent || a == Rule
}

// Kind returns how instances of the ability are stored.
func (a Ability) Kind() Kind {
	if a == Skill {
		return KindDir
	}
	return KindFile
}

// Location is one (owner, ability, path) entry of the static location
// table. For Command and Skill, Path is the container directory; for Agent
// and Rule it is the file itself.
type Location struct {
	Owner   string
	Ability Ability
	Path    string
}

// IsCentral reports whether l belongs to the central store.
func (l Location) IsCentral() bool { return l.Owner == CentralOwner }

// PathFor returns where the resource called name lives at l.
func (l Location) PathFor(name string) string {
	if l.Ability.Singleton() {
		return l.Path
	}
	return filepath.Join(l.Path, name)
}

// Container returns the directory that must exist for a client location
// to participate.
func (l Location) Container() string {
	if l.Ability.Singleton() {
		return filepath.Dir(l.Path)
	}
	return l.Path
}

func (l Location) String() string {
	return l.Owner + "/" + l.Ability.String()
}

// Key identifies a resource across locations.
type Key struct {
	Ability Ability
	Name    string
}

func (k Key) String() string {
	if k.Name == "" {
		return k.Ability.String()
	}
	return k.Ability.String() + ":" + k.Name
}

// LockName returns a file name unique to the key.
func (k Key) LockName() string {
	if k.Name == "" {
		return k.Ability.String()
	}
	return k.Ability.String() + "-" + strings.ReplaceAll(k.Name, string(filepath.Separator), "_")
}

// Less orders keys by ability, then name.
func (k Key) Less(o Key) bool {
	if k.Ability != o.Ability {
		return k.Ability < o.Ability
	}
	return k.Name < o.Name
}

// Instance is a resource's realized content at one location.
type Instance struct {
	Key      Key
	Location Location
	// Path is the resolved path the content was read from.
	Path        string
	Content     Content
	ModTime     time.Time
	Fingerprint string
}

// Slot is a participating location of a resource. Instance is nil when the
// resource is absent there.
type Slot struct {
	Location Location
	Path     string
	Instance *Instance
}

// Resource is one key with all of its participating slots, in location
// order.
type Resource struct {
	Key   Key
	Slots []*Slot
}

// Instances returns the present instances in location order.
func (r *Resource) Instances() []*Instance {
	var out []*Instance
	for _, s := range r.Slots {
		if s.Instance != nil {
			out = append(out, s.Instance)
		}
	}
	return out
}

// Winner picks the instance with the newest mtime. Ties go to the instance
// whose location comes first in the location table.
func (r *Resource) Winner() *Instance {
	var w *Instance
	for _, inst := range r.Instances() {
		if w == nil || inst.ModTime.After(w.ModTime) {
			w = inst
		}
	}
	return w
}
