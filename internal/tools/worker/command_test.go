package worker

import (
	"slices"
	"testing"
)

func TestSplitJobs(t *testing.T) {
	got := splitJobs([]string{"emails, reminders", "", "events,"})
	want := []string{"emails", "reminders", "events"}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %v got %v", want, got)
	}
	if splitJobs(nil) != nil {
		t.Fatal("expected nil for no flags")
	}
}

func TestRootCommandWiresSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"run", "once", "list"} {
		if sub, _, err := cmd.Find([]string{name}); err != nil || sub.Name() != name {
			t.Fatalf("missing subcommand %s: %v", name, err)
		}
	}
	run, _, _ := cmd.Find([]string{"run"})
	if run.Flags().Lookup("only") == nil {
		t.Fatal("run should accept --only")
	}
}
