// Package gitinfo captures repository provenance for a refactoring run.
//
// Provenance is advisory: runs against plain directories are just as valid
// as runs against checkouts, so collection never fails — a target that is
// not inside a repository yields the zero Info.
package gitinfo

import (
	"github.com/go-git/go-git/v5"
)

// Info identifies the repository state a run operated on.
type Info struct {
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
	Dirty  bool   `json:"dirty,omitempty"`
}

// Collect returns provenance for the repository containing path.
//
// The .git directory is searched for upward from path, so a target
// directory nested inside a checkout still resolves. Detached HEAD reports
// the branch as "detached". Any failure along the way degrades to whatever
// could be determined so far.
func Collect(path string) Info {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return Info{}
	}

	var info Info

	head, err := repo.Head()
	if err != nil {
		// Repository without commits yet.
		return info
	}
	info.Commit = head.Hash().String()
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	} else {
		info.Branch = "detached"
	}

	wt, err := repo.Worktree()
	if err != nil {
		return info
	}
	status, err := wt.Status()
	if err != nil {
		return info
	}
	info.Dirty = !status.IsClean()

	return info
}
