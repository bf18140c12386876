package main

import "testing"

func TestDuplicateFlagDetection(t *testing.T) {
	cases := []struct {
		name string
		args []string
		flag string
		dup  bool
	}{
		{"no flags", []string{"metadata", "push"}, "", false},
		{"distinct flags", []string{"-p", "x", "--file-name", "mlmd"}, "", false},
		{"repeated long flag", []string{"--pipeline-name", "a", "--pipeline-name", "b"}, "--pipeline-name", true},
		{"repeated with equals", []string{"--path=/a", "--path=/b"}, "--path", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			flag, dup := duplicateFlag(tc.args)
			if dup != tc.dup || flag != tc.flag {
				t.Fatalf("duplicateFlag(%v) = (%q, %v), want (%q, %v)", tc.args, flag, dup, tc.flag, tc.dup)
			}
		})
	}
}

func TestCommandTreeShape(t *testing.T) {
	root := newRootCmd()
	want := map[string][]string{
		"init":     {"local", "minioS3", "amazonS3", "sshremote", "osdf", "show"},
		"metadata": {"push", "pull"},
		"artifact": {"push", "pull"},
	}
	for name, subs := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("command %s missing: %v", name, err)
		}
		for _, sub := range subs {
			if c, _, err := root.Find([]string{name, sub}); err != nil || c.Name() != sub {
				t.Fatalf("command %s %s missing: %v", name, sub, err)
			}
		}
	}
}
