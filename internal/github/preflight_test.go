package github

import "testing"

func TestParseGitHubRepo(t *testing.T) {
	tests := []struct {
		in        string
		owner     string
		name      string
		parseable bool
	}{
		{"https://github.com/example/rocket-control", "example", "rocket-control", true},
		{"https://github.com/example/rocket-control.git", "example", "rocket-control", true},
		{"git@github.com:example/repo.git", "example", "repo", true},
		{"ssh://git@github.com/example/repo", "example", "repo", true},
		{"example/repo", "example", "repo", true},
		{"https://gitlab.com/example/repo", "", "", false},
		{"git@bitbucket.org:example/repo.git", "", "", false},
		{"not-a-repo", "", "", false},
		{"a/b/c", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		owner, name, ok := ParseGitHubRepo(tt.in)
		if ok != tt.parseable || owner != tt.owner || name != tt.name {
			t.Errorf("ParseGitHubRepo(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.in, owner, name, ok, tt.owner, tt.name, tt.parseable)
		}
	}
}
