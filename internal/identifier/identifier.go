// Package identifier derives task IDs, sandbox names, and room labels from
// the lobby message that requested the task. Derivation is deterministic:
// the same project, event, prompt, and timestamp always produce the same
// identifiers, which is what lets a restarted orchestrator recognize its
// own resources.
package identifier

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// maxSandboxNameLen is the hard cap the sandbox runtime places on names.
const maxSandboxNameLen = 63

const slugMaxLen = 24

// Input is everything identifier derivation depends on.
type Input struct {
	ProjectKey   string
	Prompt       string
	LobbyEventID string
	Now          time.Time
}

// Identifiers is the derived set for one task.
type Identifiers struct {
	TaskID      string
	SandboxName string
	RoomLabel   string
}

// BuildTaskIdentifiers derives the task ID, sandbox name, and room label.
func BuildTaskIdentifiers(in Input) Identifiers {
	timestamp := in.Now.UTC().Format("20060102150405")
	hash := shortHash(in.ProjectKey + ":" + in.LobbyEventID)
	slug := Slugify(in.Prompt, "task", slugMaxLen)

	return Identifiers{
		TaskID:      fmt.Sprintf("%s-%s-%s", in.ProjectKey, timestamp, hash),
		SandboxName: truncate(fmt.Sprintf("task-%s-%s-%s", timestamp, slug, hash), maxSandboxNameLen),
		RoomLabel:   slug + "-" + hash,
	}
}

// shortHash returns the first 6 hex chars of SHA-1(s).
func shortHash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:6]
}

// Slugify lowercases s, replaces every non-alphanumeric run with a single
// "-", trims dashes from both ends, and truncates to maxLen (re-trimming a
// dash the cut may expose). An empty result yields fallback.
func Slugify(s, fallback string, maxLen int) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxLen {
		slug = strings.Trim(slug[:maxLen], "-")
	}
	if slug == "" {
		return fallback
	}
	return slug
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
