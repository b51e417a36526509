package heartbeat

import (
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestNew_Unlinked(t *testing.T) {
	dir := t.TempDir()
	tok, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tok.Close()

	if _, err := os.Stat(tok.File().Name()); !os.IsNotExist(err) {
		t.Errorf("token file still has a directory entry: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("dir has %d entries, want 0", len(entries))
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(tok.File().Fd()), &st); err != nil {
		t.Fatal(err)
	}
	if perm := st.Mode & 0o777; perm&0o077 != 0 {
		t.Errorf("token permissions %o are group/world accessible", perm)
	}
}

func TestTouch_AdvancesLastUpdate(t *testing.T) {
	tok, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tok.Close()

	before, err := tok.LastUpdate()
	if err != nil {
		t.Fatalf("LastUpdate: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := tok.Touch(); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	after, err := tok.LastUpdate()
	if err != nil {
		t.Fatalf("LastUpdate: %v", err)
	}
	if !after.After(before) {
		t.Errorf("LastUpdate did not advance: before=%v after=%v", before, after)
	}
}

func TestTouch_TogglesMode(t *testing.T) {
	tok, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tok.Close()

	modes := make([]uint32, 0, 3)
	for i := 0; i < 3; i++ {
		if err := tok.Touch(); err != nil {
			t.Fatalf("Touch: %v", err)
		}
		var st unix.Stat_t
		if err := unix.Fstat(int(tok.File().Fd()), &st); err != nil {
			t.Fatal(err)
		}
		modes = append(modes, uint32(st.Mode&0o777))
	}
	if modes[0] == modes[1] || modes[0] != modes[2] {
		t.Errorf("modes = %v, want alternating", modes)
	}
}

func TestAge_GrowsWithoutTouch(t *testing.T) {
	tok, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tok.Close()

	time.Sleep(30 * time.Millisecond)
	age, err := tok.Age(time.Now())
	if err != nil {
		t.Fatalf("Age: %v", err)
	}
	if age < 20*time.Millisecond {
		t.Errorf("Age = %v, want >= 20ms", age)
	}
}

func TestFromFD_SharesInode(t *testing.T) {
	writer, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer writer.Close()

	fd, err := unix.Dup(int(writer.File().Fd()))
	if err != nil {
		t.Fatal(err)
	}
	reader, err := FromFD(fd)
	if err != nil {
		t.Fatalf("FromFD: %v", err)
	}
	defer reader.Close()

	before, _ := reader.LastUpdate()
	time.Sleep(20 * time.Millisecond)
	if err := writer.Touch(); err != nil {
		t.Fatal(err)
	}
	after, _ := reader.LastUpdate()
	if !after.After(before) {
		t.Error("reader did not observe writer's touch")
	}
}

func TestFromFD_BadDescriptor(t *testing.T) {
	if _, err := FromFD(987654); err == nil {
		t.Error("expected error for closed descriptor")
	}
}
