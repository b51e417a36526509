package arbiter

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"syscall"
	"time"
)

// Role decides how a child is stopped and whether it comes back after it
// exits.
type Role int

const (
	RoleWorker Role = iota
	RoleSupervisor
	RoleKill
	RoleBrutalKill
)

var roleNames = map[Role]string{
	RoleWorker:     "worker",
	RoleSupervisor: "supervisor",
	RoleKill:       "kill",
	RoleBrutalKill: "brutal_kill",
}

// String returns the configuration name of the role.
func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole parses a role name. The empty string means RoleWorker.
func ParseRole(s string) (Role, error) {
	if s == "" {
		return RoleWorker, nil
	}
	for r, name := range roleNames {
		if strings.EqualFold(s, name) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Restartable reports whether an exited child of this role is respawned.
func (r Role) Restartable() bool {
	return r == RoleWorker || r == RoleSupervisor
}

// StopSignal is the signal used to retire a child of this role.
func (r Role) StopSignal() syscall.Signal {
	if r == RoleBrutalKill {
		return syscall.SIGKILL
	}
	return syscall.SIGTERM
}

// ChildSpec describes one class of worker process.
type ChildSpec struct {
	Name    string
	Handler string // registry key; defaults to Name
	Role    Role
	Timeout time.Duration // 0 = never
	Params  map[string]string
}

// HandlerName returns the handler the worker should look up.
func (s ChildSpec) HandlerName() string {
	if s.Handler != "" {
		return s.Handler
	}
	return s.Name
}

// Validate checks a single spec.
func (s ChildSpec) Validate() error {
	if s.Name == "" {
		return errors.New("child spec: empty name")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("child spec %q: negative timeout", s.Name)
	}
	if _, ok := roleNames[s.Role]; !ok {
		return fmt.Errorf("child spec %q: invalid role %d", s.Name, int(s.Role))
	}
	return nil
}

func (s ChildSpec) clone() ChildSpec {
	s.Params = maps.Clone(s.Params)
	return s
}

// Table is an ordered set of child specs with unique names.
type Table struct {
	specs  []ChildSpec
	byName map[string]int
}

// NewTable validates specs and builds a table. Duplicate names are an error.
func NewTable(specs ...ChildSpec) (*Table, error) {
	t := &Table{byName: make(map[string]int, len(specs))}
	var errs []error
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := t.byName[s.Name]; dup {
			errs = append(errs, fmt.Errorf("child spec %q: duplicate name", s.Name))
			continue
		}
		t.byName[s.Name] = len(t.specs)
		t.specs = append(t.specs, s.clone())
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return t, nil
}

// MustTable is NewTable for static tables known to be valid.
func MustTable(specs ...ChildSpec) *Table {
	t, err := NewTable(specs...)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the spec named name.
func (t *Table) Lookup(name string) (ChildSpec, bool) {
	i, ok := t.byName[name]
	if !ok {
		return ChildSpec{}, false
	}
	return t.specs[i].clone(), true
}

// Specs returns the specs in declaration order.
func (t *Table) Specs() []ChildSpec {
	out := make([]ChildSpec, len(t.specs))
	for i, s := range t.specs {
		out[i] = s.clone()
	}
	return out
}

// Len returns the number of specs.
func (t *Table) Len() int {
	return len(t.specs)
}

// Upsert adds s, or replaces the spec with the same name in place.
func (t *Table) Upsert(s ChildSpec) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if i, ok := t.byName[s.Name]; ok {
		t.specs[i] = s.clone()
		return nil
	}
	t.byName[s.Name] = len(t.specs)
	t.specs = append(t.specs, s.clone())
	return nil
}
