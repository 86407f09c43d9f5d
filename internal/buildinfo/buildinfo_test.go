package buildinfo

import (
	"strings"
	"testing"
)

func TestInfoCarriesAllFields(t *testing.T) {
	info := Info()
	for _, key := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch", "uptime"} {
		if info[key] == "" {
			t.Errorf("Info()[%q] is empty", key)
		}
	}
	if !strings.HasPrefix(info["go_version"], "go") {
		t.Errorf("go_version = %q", info["go_version"])
	}
}

func TestStringBanner(t *testing.T) {
	s := String()
	if !strings.HasPrefix(s, "Epos ") {
		t.Errorf("String() = %q, want Epos prefix", s)
	}
	if !strings.Contains(s, Version) {
		t.Errorf("String() = %q missing version %q", s, Version)
	}
}
