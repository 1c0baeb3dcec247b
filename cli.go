package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"automarathon/internal/domain"
	"automarathon/internal/store"
)

// Version is the server's reported build version.
var Version = "0.1.0-dev"

// RunCLI handles subcommand execution before flags are parsed, mirroring
// the teacher's cli.go RunCLI dispatch. Returns true if a subcommand was
// handled (and the process should exit without starting the server).
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("automarathon %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "hosts":
		return cliHosts(args[1:], dbPath)
	case "settings":
		return cliSettings(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openCLIStore(dbPath string) *store.Store {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(3)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	ctx := context.Background()
	state, err := st.LoadState(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading state: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("People: %d\n", len(state.People))
	fmt.Printf("Runners: %d\n", len(state.Runners))
	fmt.Printf("Events: %d\n", len(state.Events))
	fmt.Printf("Streams: %d\n", len(state.Streams))
	fmt.Printf("Hosts: %d\n", len(state.Hosts))
	if state.Lock.Editor != "" {
		fmt.Printf("Lock held by: %s\n", state.Lock.Editor)
	} else {
		fmt.Printf("Lock: free\n")
	}
	return true
}

// cliHosts lists persisted host status, or adds a new host_config row (the
// compositor endpoint itself still comes from --config; this only
// registers the host name so the Hub has somewhere to record Connected/
// Streaming state before the Reconciler's first successful sync).
func cliHosts(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		state, err := st.LoadState(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(state.Hosts) == 0 {
			fmt.Println("No hosts found.")
			return true
		}
		for name, h := range state.Hosts {
			fmt.Printf("  %-20s connected=%-5v streaming=%-5v scene=%s\n", name, h.Connected, h.Streaming, h.ProgramScene)
		}
		return true
	}

	if args[0] == "add" && len(args) > 1 {
		name := args[1]
		if err := st.SaveHost(ctx, &domain.Host{Name: name}); err != nil {
			fmt.Fprintf(os.Stderr, "error adding host: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Added host %q\n", name)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: automarathon hosts [list|add <name>]\n")
	os.Exit(2)
	return true
}

// cliSettings reads/writes the custom_fields overlay table (spec.md §6.5),
// the closest AutoMarathon analogue to the teacher's free-form settings
// store.
func cliSettings(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		state, err := st.LoadState(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(state.CustomFields, "", "  ")
		fmt.Println(string(out))
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		key, value := args[1], args[2]
		if err := st.SetCustomField(ctx, key, value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: automarathon settings [list|set <key> <value>]\n")
	os.Exit(2)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	outPath := "automarathon-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(context.Background(), outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
