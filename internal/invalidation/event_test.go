package invalidation

import (
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"valid activate", Event{Version: 1, Op: OpActivate, ShellVersion: "v5", TS: now}, false},
		{"wrong version", Event{Version: 2, Op: OpActivate, ShellVersion: "v5", TS: now}, true},
		{"zero version", Event{Op: OpActivate, ShellVersion: "v5", TS: now}, true},
		{"unknown op", Event{Version: 1, Op: "purge", ShellVersion: "v5", TS: now}, true},
		{"missing shell version", Event{Version: 1, Op: OpActivate, TS: now}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err=%v wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestEventShellPartition(t *testing.T) {
	ev := Event{Version: 1, Op: OpActivate, ShellVersion: "v5"}
	if got := ev.ShellPartition(); got != "shell-v5" {
		t.Fatalf("ShellPartition()=%q want shell-v5", got)
	}
}
