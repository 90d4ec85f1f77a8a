package content

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTables(t *testing.T, dir, aliases, combine string) *Tables {
	t.Helper()

	if err := os.WriteFile(filepath.Join(dir, "aliases.cfg"), []byte(aliases), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "combine.cfg"), []byte(combine), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	tables, err := NewTables(filepath.Join(dir, "aliases.cfg"), filepath.Join(dir, "combine.cfg"))
	if err != nil {
		t.Fatalf("NewTables failed: %v", err)
	}

	return tables
}

func TestTablesParsing(t *testing.T) {
	var tables *Tables = writeTables(t, t.TempDir(), `
# installer images
ubuntu-24.04 = ubuntu-24.04.3-live-server-amd64.iso, downloadable
rocky-9 = Rocky-9.4-x86_64-minimal.iso
broken line without equals
= no-key.iso
empty-name =
`, `
pxe-bundle = content:ubuntu-24.04/boot/vmlinuz, file:extra/overlay.img
bad-bundle = gibberish
lonely = file:one.img
`)
	defer tables.Close()

	var snapshot *Snapshot = tables.Snapshot()

	if len(snapshot.Aliases) != 2 {
		t.Fatalf("parsed %d aliases, want 2", len(snapshot.Aliases))
	}

	ubuntu := snapshot.Aliases["ubuntu-24.04"]
	if ubuntu.Filename != "ubuntu-24.04.3-live-server-amd64.iso" || !ubuntu.Downloadable {
		t.Errorf("ubuntu alias parsed as %+v", ubuntu)
	}

	rocky := snapshot.Aliases["rocky-9"]
	if rocky.Filename != "Rocky-9.4-x86_64-minimal.iso" || rocky.Downloadable {
		t.Errorf("rocky alias parsed as %+v", rocky)
	}

	if len(snapshot.Composites) != 2 {
		t.Fatalf("parsed %d composites, want 2", len(snapshot.Composites))
	}

	bundle := snapshot.Composites["pxe-bundle"]
	if len(bundle.Sources) != 2 {
		t.Fatalf("pxe-bundle has %d sources, want 2", len(bundle.Sources))
	}

	if bundle.Sources[0].Alias != "ubuntu-24.04" || bundle.Sources[0].Inner != "boot/vmlinuz" {
		t.Errorf("first source parsed as %+v", bundle.Sources[0])
	}

	if bundle.Sources[1].File != "extra/overlay.img" {
		t.Errorf("second source parsed as %+v", bundle.Sources[1])
	}

	if _, ok := snapshot.Composites["bad-bundle"]; ok {
		t.Error("composite with no usable sources survived parsing")
	}
}

func TestTablesMissingFilesAreEmpty(t *testing.T) {
	var dir string = t.TempDir()

	tables, err := NewTables(filepath.Join(dir, "aliases.cfg"), filepath.Join(dir, "combine.cfg"))
	if err != nil {
		t.Fatalf("NewTables failed: %v", err)
	}
	defer tables.Close()

	var snapshot *Snapshot = tables.Snapshot()
	if len(snapshot.Aliases) != 0 || len(snapshot.Composites) != 0 {
		t.Errorf("missing files produced non-empty tables: %+v", snapshot)
	}
}

func TestTablesReloadSwapsSnapshot(t *testing.T) {
	var dir string = t.TempDir()
	var tables *Tables = writeTables(t, dir, "first = first.iso\n", "")
	defer tables.Close()

	var before *Snapshot = tables.Snapshot()

	if err := os.WriteFile(filepath.Join(dir, "aliases.cfg"), []byte("second = second.iso\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := tables.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	var after *Snapshot = tables.Snapshot()
	if _, ok := after.Aliases["second"]; !ok {
		t.Error("reloaded snapshot is missing the new alias")
	}

	if _, ok := after.Aliases["first"]; ok {
		t.Error("reloaded snapshot kept the removed alias")
	}

	// The old snapshot is immutable; holders keep seeing the old world.
	if _, ok := before.Aliases["first"]; !ok {
		t.Error("previous snapshot was mutated by Reload")
	}
}
