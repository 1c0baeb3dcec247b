package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunCLIVersionAndUnknown(t *testing.T) {
	if !RunCLI([]string{"version"}, "") {
		t.Fatalf("expected version subcommand to be handled")
	}
	if RunCLI([]string{"bogus"}, "") {
		t.Fatalf("expected unknown subcommand to fall through")
	}
	if RunCLI(nil, "") {
		t.Fatalf("expected empty args to fall through")
	}
}

func TestCLIHostsAddAndList(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "automarathon.db")

	if ok := cliHosts([]string{"add", "desk-a"}, dbPath); !ok {
		t.Fatalf("expected hosts add to be handled")
	}
	if ok := cliHosts([]string{"list"}, dbPath); !ok {
		t.Fatalf("expected hosts list to be handled")
	}
}

func TestCLISettingsSetAndList(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "automarathon.db")

	if ok := cliSettings([]string{"set", "theme", "dark"}, dbPath); !ok {
		t.Fatalf("expected settings set to be handled")
	}
	if ok := cliSettings([]string{"list"}, dbPath); !ok {
		t.Fatalf("expected settings list to be handled")
	}
}

func TestCLIBackupCreatesFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "automarathon.db")
	// Touch the store once so there's a database to back up.
	cliStatus(dbPath)

	outPath := filepath.Join(t.TempDir(), "backup.db")
	if ok := cliBackup([]string{outPath}, dbPath); !ok {
		t.Fatalf("expected backup to be handled")
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("expected backup file to exist: %v", err)
	}
}
