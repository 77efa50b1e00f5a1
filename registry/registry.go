// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package registry defines the commands and update handlers known to a
// dispatcher, and enforces the rules for naming and numbering them.
//
// # Usage
//
// Construct a new empty registry, optionally with some reserved names that may
// not be registered:
//
//	reg := registry.New("status")
//
// Add commands to it. A command maps a name to the identifier the remote device
// uses to select an operation:
//
//	cmd, err := reg.AddCommand(registry.Command{
//	   Name:    "setLevel",
//	   ID:      3,
//	   Returns: []string{"state"},
//	   Timeout: 500 * time.Millisecond,
//	})
//
// Add update handlers. An update handler receives unsolicited messages the
// device sends with the given identifier:
//
//	err := reg.AddUpdate(registry.Update{
//	   Name:    "tick",
//	   ID:      7,
//	   Returns: []string{"count"},
//	   Handle:  func(data wire.Fields, raw string) { ... },
//	})
//
// Names share a single namespace across commands and updates, but identifiers
// do not: a command and an update may both use identifier 7, since a device
// never sends a command identifier back as a message key.
//
// Definitions are copied when they are added, and do not change thereafter.
// Errors from registration have concrete type [*ValidationError].
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/synapse/wire"
)

// NoTimeout is the timeout value of a command without a timeout.
const NoTimeout time.Duration = -1

// ReservedPrefix is a prefix reserved for internal names.
const ReservedPrefix = "_"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Kind identifies the kind of a definition.
type Kind string

const (
	KindCommand Kind = "command"
	KindUpdate  Kind = "update"
)

// A Command defines a named operation on the remote device.
type Command struct {
	// Name is the name used to invoke the command. It must be non-empty and
	// consist only of ASCII letters and digits.
	Name string

	// ID is the identifier sent to the device. It must be non-zero and unique
	// among commands.
	ID uint32

	// Silent commands do not expect a reply, and never time out.
	Silent bool

	// Timeout is how long to wait for a reply. A value ≤ 0 means no timeout,
	// and is normalized to NoTimeout.
	Timeout time.Duration

	// Returns names the values of a reply, by position.
	Returns []string

	// OnTimeout, if set, is called when a call to the command times out, and
	// the error it returns is reported to the caller instead of the default.
	OnTimeout func(name string, issued time.Time) error
}

// HasTimeout reports whether c has a positive reply timeout.
func (c Command) HasTimeout() bool { return !c.Silent && c.Timeout > 0 }

// An UpdateFunc receives the data of an unsolicited message from the device,
// along with the raw text of the message.
type UpdateFunc func(data wire.Fields, raw string)

// An Update defines a handler for unsolicited messages from the device.
type Update struct {
	Name    string     // as for Command
	ID      uint32     // non-zero, unique among updates
	Returns []string   // names the values of a message, by position
	Handle  UpdateFunc // required
}

// Key returns the message key the device uses for u.
func (u Update) Key() string { return strconv.FormatUint(uint64(u.ID), 10) }

// A Registry maps names to command and update definitions. A zero Registry is
// not ready for use; call New to construct one. It is safe for concurrent use
// by multiple goroutines.
type Registry struct {
	μ        sync.RWMutex
	reserved mapset.Set[string]
	names    mapset.Set[string]
	commands map[string]Command // name → definition
	cmdIDs   map[uint32]string  // command ID → name
	updates  map[string]Update  // key → definition
}

// New constructs an empty registry in which the given names are reserved.
func New(reserved ...string) *Registry {
	return &Registry{
		reserved: mapset.New(reserved...),
		names:    mapset.New[string](),
		commands: make(map[string]Command),
		cmdIDs:   make(map[uint32]string),
		updates:  make(map[string]Update),
	}
}

// checkNameLocked reports whether name may be registered as a definition of
// the given kind.
func (r *Registry) checkNameLocked(kind Kind, name string) error {
	switch {
	case name == "":
		return invalid(kind, name, "a name is required")
	case strings.HasPrefix(name, ReservedPrefix):
		return invalid(kind, name, "names beginning with "+ReservedPrefix+" are reserved")
	case !namePattern.MatchString(name):
		return invalid(kind, name, "name must contain only letters and digits")
	case r.reserved.Has(name):
		return invalid(kind, name, "name is reserved")
	case r.names.Has(name):
		return invalid(kind, name, "name is already in use")
	}
	return nil
}

// AddCommand adds a command definition to r, and returns the normalized copy
// that was stored.
func (r *Registry) AddCommand(def Command) (Command, error) {
	r.μ.Lock()
	defer r.μ.Unlock()

	if err := r.checkNameLocked(KindCommand, def.Name); err != nil {
		return Command{}, err
	}
	if def.ID == 0 {
		return Command{}, invalid(KindCommand, def.Name, "a non-zero identifier is required")
	} else if old, ok := r.cmdIDs[def.ID]; ok {
		return Command{}, invalid(KindCommand, def.Name, fmt.Sprintf("identifier %d is already used by %q", def.ID, old))
	}

	def.Returns = cloneNames(def.Returns)
	if def.Silent || def.Timeout <= 0 {
		def.Timeout = NoTimeout
	}
	r.names.Add(def.Name)
	r.commands[def.Name] = def
	r.cmdIDs[def.ID] = def.Name
	return def, nil
}

// AddUpdate adds an update handler definition to r.
func (r *Registry) AddUpdate(def Update) error {
	r.μ.Lock()
	defer r.μ.Unlock()

	if err := r.checkNameLocked(KindUpdate, def.Name); err != nil {
		return err
	}
	if def.Handle == nil {
		return invalid(KindUpdate, def.Name, "a handler function is required")
	}
	if def.ID == 0 {
		return invalid(KindUpdate, def.Name, "a non-zero identifier is required")
	} else if old, ok := r.updates[def.Key()]; ok {
		return invalid(KindUpdate, def.Name, fmt.Sprintf("identifier %d is already used by %q", def.ID, old.Name))
	}

	def.Returns = cloneNames(def.Returns)
	r.names.Add(def.Name)
	r.updates[def.Key()] = def
	return nil
}

// Add adds a definition of the specified kind to r. The kind is not case
// sensitive. The definition must be a Command or an Update (or a pointer to
// one) matching the kind.
func (r *Registry) Add(kind Kind, def any) error {
	switch Kind(strings.ToLower(string(kind))) {
	case KindCommand:
		switch t := def.(type) {
		case Command:
			_, err := r.AddCommand(t)
			return err
		case *Command:
			if t != nil {
				_, err := r.AddCommand(*t)
				return err
			}
		}
		return invalid(KindCommand, "", fmt.Sprintf("definition has type %T, want Command", def))

	case KindUpdate:
		switch t := def.(type) {
		case Update:
			return r.AddUpdate(t)
		case *Update:
			if t != nil {
				return r.AddUpdate(*t)
			}
		}
		return invalid(KindUpdate, "", fmt.Sprintf("definition has type %T, want Update", def))

	default:
		return invalid(kind, "", `kind must be "command" or "update"`)
	}
}

// Command returns the command definition for name, if there is one.
func (r *Registry) Command(name string) (Command, bool) {
	r.μ.RLock()
	defer r.μ.RUnlock()
	c, ok := r.commands[name]
	return c, ok
}

// Update returns the update definition for the given message key, if there is
// one. Keys match the decimal form of the identifier exactly.
func (r *Registry) Update(key string) (Update, bool) {
	r.μ.RLock()
	defer r.μ.RUnlock()
	u, ok := r.updates[key]
	return u, ok
}

// Commands returns the command definitions of r, ordered by name.
func (r *Registry) Commands() []Command {
	r.μ.RLock()
	defer r.μ.RUnlock()
	return slices.SortedFunc(maps.Values(r.commands), func(a, b Command) int {
		return cmp.Compare(a.Name, b.Name)
	})
}

// Updates returns the update definitions of r, ordered by name.
func (r *Registry) Updates() []Update {
	r.μ.RLock()
	defer r.μ.RUnlock()
	return slices.SortedFunc(maps.Values(r.updates), func(a, b Update) int {
		return cmp.Compare(a.Name, b.Name)
	})
}

func cloneNames(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return slices.Clone(ss)
}

// ErrInvalid is the error matched by a [*ValidationError] using errors.Is.
var ErrInvalid = errors.New("invalid definition")

// ValidationError is the concrete type of errors reported for a definition
// that cannot be registered.
type ValidationError struct {
	Kind   Kind   // the kind of definition
	Name   string // the offending name, if known
	Reason string // what is wrong with it
}

func invalid(kind Kind, name, reason string) *ValidationError {
	return &ValidationError{Kind: kind, Name: name, Reason: reason}
}

// Error satisfies the error interface.
func (v *ValidationError) Error() string {
	if v.Name == "" {
		return fmt.Sprintf("invalid %s: %s", v.Kind, v.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", v.Kind, v.Name, v.Reason)
}

// Is reports whether target is ErrInvalid.
func (v *ValidationError) Is(target error) bool { return target == ErrInvalid }
