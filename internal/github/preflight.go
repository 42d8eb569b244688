// Package github implements an advisory reconcile-time check that a
// project's repo is reachable before the sandbox is told to clone it. Only
// github.com repos are checked; anything else is skipped.
package github

import (
	"context"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v68/github"
)

// Preflight validates repo URLs against the GitHub API.
type Preflight struct {
	client *gh.Client
}

// New creates a Preflight using the given API token.
func New(token string) *Preflight {
	return &Preflight{client: gh.NewClient(nil).WithAuthToken(token)}
}

// CheckRepo fetches repo metadata and fails if the repo is missing or the
// token cannot see it. Repos that do not parse as github.com owner/repo
// are skipped.
func (p *Preflight) CheckRepo(ctx context.Context, repo string) error {
	owner, name, ok := ParseGitHubRepo(repo)
	if !ok {
		return nil
	}
	if _, _, err := p.client.Repositories.Get(ctx, owner, name); err != nil {
		return fmt.Errorf("checking %s/%s: %w", owner, name, err)
	}
	return nil
}

// ParseGitHubRepo extracts owner and repo from the URL shapes git accepts
// for github.com: https, ssh, and the bare owner/repo form.
func ParseGitHubRepo(repo string) (owner, name string, ok bool) {
	s := strings.TrimSuffix(strings.TrimSpace(repo), ".git")

	switch {
	case strings.HasPrefix(s, "https://github.com/"):
		s = strings.TrimPrefix(s, "https://github.com/")
	case strings.HasPrefix(s, "git@github.com:"):
		s = strings.TrimPrefix(s, "git@github.com:")
	case strings.HasPrefix(s, "ssh://git@github.com/"):
		s = strings.TrimPrefix(s, "ssh://git@github.com/")
	case strings.Contains(s, "://") || strings.Contains(s, "@"):
		return "", "", false
	}

	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
