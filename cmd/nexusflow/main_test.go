package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	if !names["run"] {
		t.Fatalf("expected subcommand %q to be registered", "run")
	}
}

func TestParseKeyValueArgs(t *testing.T) {
	got, err := parseKeyValueArgs([]string{"topic=golang", "limit=5"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["topic"] != "golang" || got["limit"] != "5" {
		t.Fatalf("got %+v", got)
	}
}

func TestParseKeyValueArgsRejectsMissingEquals(t *testing.T) {
	if _, err := parseKeyValueArgs([]string{"bogus"}); err == nil {
		t.Fatal("expected an error for a malformed --var")
	}
}
