package arbiter

import (
	"syscall"
	"testing"
	"time"
)

// =============================================================================
// Table-Driven Tests: Role
// =============================================================================

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"", RoleWorker, false},
		{"worker", RoleWorker, false},
		{"supervisor", RoleSupervisor, false},
		{"kill", RoleKill, false},
		{"brutal_kill", RoleBrutalKill, false},
		{"BRUTAL_KILL", RoleBrutalKill, false},
		{"temporary", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRole(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseRole(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestRole_Semantics(t *testing.T) {
	tests := []struct {
		role        Role
		restartable bool
		sig         syscall.Signal
	}{
		{RoleWorker, true, syscall.SIGTERM},
		{RoleSupervisor, true, syscall.SIGTERM},
		{RoleKill, false, syscall.SIGTERM},
		{RoleBrutalKill, false, syscall.SIGKILL},
	}
	for _, tt := range tests {
		t.Run(tt.role.String(), func(t *testing.T) {
			if got := tt.role.Restartable(); got != tt.restartable {
				t.Errorf("Restartable = %v, want %v", got, tt.restartable)
			}
			if got := tt.role.StopSignal(); got != tt.sig {
				t.Errorf("StopSignal = %v, want %v", got, tt.sig)
			}
		})
	}
}

// =============================================================================
// Table-Driven Tests: Table
// =============================================================================

func TestNewTable(t *testing.T) {
	tests := []struct {
		name    string
		specs   []ChildSpec
		wantErr bool
	}{
		{"empty", nil, false},
		{"single", []ChildSpec{{Name: "web"}}, false},
		{"two", []ChildSpec{{Name: "web"}, {Name: "jobs", Role: RoleSupervisor}}, false},
		{"duplicate", []ChildSpec{{Name: "web"}, {Name: "web"}}, true},
		{"no name", []ChildSpec{{Handler: "sleep"}}, true},
		{"negative timeout", []ChildSpec{{Name: "web", Timeout: -time.Second}}, true},
		{"bad role", []ChildSpec{{Name: "web", Role: Role(42)}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.specs...)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewTable err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTable_LookupIsolated(t *testing.T) {
	tbl := MustTable(ChildSpec{Name: "web", Params: map[string]string{"k": "v"}})

	s, ok := tbl.Lookup("web")
	if !ok {
		t.Fatal("Lookup(web) missing")
	}
	s.Params["k"] = "changed"

	again, _ := tbl.Lookup("web")
	if again.Params["k"] != "v" {
		t.Error("mutating a looked-up spec changed the table")
	}
	if _, ok := tbl.Lookup("nope"); ok {
		t.Error("Lookup(nope) found something")
	}
}

func TestTable_Upsert(t *testing.T) {
	tbl := MustTable(ChildSpec{Name: "a"}, ChildSpec{Name: "b"})

	if err := tbl.Upsert(ChildSpec{Name: "a", Handler: "echo"}); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Upsert(ChildSpec{Name: "c"}); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Upsert(ChildSpec{}); err == nil {
		t.Error("Upsert of invalid spec succeeded")
	}

	specs := tbl.Specs()
	if len(specs) != 3 || specs[0].Name != "a" || specs[2].Name != "c" {
		t.Fatalf("Specs = %+v", specs)
	}
	if specs[0].HandlerName() != "echo" {
		t.Errorf("replaced handler = %q", specs[0].HandlerName())
	}
	if specs[1].HandlerName() != "b" {
		t.Errorf("default handler = %q, want spec name", specs[1].HandlerName())
	}
}
