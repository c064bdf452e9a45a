package main

import (
	"testing"

	"tabrotate/internal/dispatch"
)

func TestBuildCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		args   []string
		action string
		fail   bool
	}{
		{args: []string{"state"}, action: dispatch.ActionGetState},
		{args: []string{"PAUSE"}, action: dispatch.ActionPause},
		{args: []string{"resume"}, action: dispatch.ActionResume},
		{args: []string{"stop"}, action: dispatch.ActionUpdateRotation},
		{args: []string{"start", "https://a.example", "b|https://b.example|2.5"}, action: dispatch.ActionUpdateRotation},
		{args: []string{"behavior", "closeOthers"}, action: dispatch.ActionSetTabBehavior},
		{args: []string{"raw", `{"action":"pause"}`}, action: dispatch.ActionPause},
		{args: []string{"raw", `{`}, fail: true},
		{args: []string{"behavior"}, fail: true},
		{args: []string{"start", "b||3"}, fail: true},
		{args: []string{"start", "b|https://b.example|0"}, fail: true},
		{args: []string{"jump"}, fail: true},
		{args: nil, fail: true},
	}
	for _, tt := range tests {
		cmd, err := buildCommand(tt.args)
		if (err != nil) != tt.fail {
			t.Fatalf("buildCommand(%q) err = %v", tt.args, err)
		}
		if !tt.fail && cmd.Action != tt.action {
			t.Fatalf("buildCommand(%q) action = %q, want %q", tt.args, cmd.Action, tt.action)
		}
	}
}

func TestStartTabs(t *testing.T) {
	t.Parallel()
	cmd, err := buildCommand([]string{"start", "https://a.example", "b|https://b.example|2.5"})
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Status == nil || !*cmd.Status || len(cmd.Tabs) != 2 {
		t.Fatalf("cmd = %+v", cmd)
	}
	if cmd.Tabs[1] != (dispatch.TabInput{Name: "b", URL: "https://b.example", Interval: 2500}) {
		t.Fatalf("tab = %+v", cmd.Tabs[1])
	}
}
