package main

import (
	"testing"

	"github.com/hitoshi/feedrelay/internal/app"
)

func TestRootCmd_RegistersEverySubcommand(t *testing.T) {
	root := newRootCmd()

	for _, info := range app.Commands() {
		cmd, _, err := root.Find([]string{string(info.Command)})
		if err != nil {
			t.Errorf("subcommand %q not found: %v", info.Command, err)
			continue
		}
		if cmd.Name() != string(info.Command) {
			t.Errorf("Find(%q) = %q", info.Command, cmd.Name())
		}
	}
}

func TestRootCmd_RejectsPositionalArgs(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"poll", "extra"})

	if err := root.Execute(); err == nil {
		t.Fatal("expected error for unexpected positional argument")
	}
}
