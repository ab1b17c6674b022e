package app

import "testing"

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		cmd  string
		args string
	}{
		{in: "/start", cmd: "/start"},
		{in: "/quiet 23:00 07:00", cmd: "/quiet", args: "23:00 07:00"},
		{in: "/START", cmd: "/start"},
		{in: "/status@ixstatusbot", cmd: "/status"},
		{in: "/quiet@ixstatusbot off", cmd: "/quiet", args: "off"},
		{in: "/restore   replace ", cmd: "/restore", args: "replace"},
	}
	for _, tt := range tests {
		cmd, args := splitCommand(tt.in)
		if cmd != tt.cmd || args != tt.args {
			t.Errorf("splitCommand(%q) = (%q, %q), want (%q, %q)", tt.in, cmd, args, tt.cmd, tt.args)
		}
	}
}
