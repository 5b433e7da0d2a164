// Completion: 100% - Cache directory and git-hosted dependency sources
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/xyproto/env/v2"
)

// GetCachePath returns the cache directory for compiled wasm modules and
// cloned dependency sources.
// Default: $PYFREEZE_CACHE_DIR, else $XDG_CACHE_HOME/pyfreeze, else ~/.cache/pyfreeze
func GetCachePath() (string, error) {
	if dir := env.Str("PYFREEZE_CACHE_DIR"); dir != "" {
		return dir, nil
	}
	if xdgCache := env.Str("XDG_CACHE_HOME"); xdgCache != "" {
		return filepath.Join(xdgCache, "pyfreeze"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".cache", "pyfreeze"), nil
}

// isRepoSource reports whether a dependency source names a git repository,
// e.g. "git+https://github.com/example/deploy-deps@v1.11.0"
func isRepoSource(source string) bool {
	return strings.HasPrefix(source, "git+")
}

// splitRepoSource splits "git+URL@ref" into the URL and the ref
func splitRepoSource(source string) (repoURL, version string) {
	repoURL = strings.TrimPrefix(source, "git+")
	slash := strings.LastIndexByte(repoURL, '/')
	if at := strings.LastIndexByte(repoURL, '@'); at > slash {
		return repoURL[:at], repoURL[at+1:]
	}
	return repoURL, ""
}

// GetRepoCachePath returns the local path for a cloned repository
// Example: "https://github.com/example/deploy-deps" -> "~/.cache/pyfreeze/github.com/example/deploy-deps"
func GetRepoCachePath(repoURL string) (string, error) {
	cachePath, err := GetCachePath()
	if err != nil {
		return "", err
	}
	for _, prefix := range []string{"https://", "http://", "git://", "ssh://"} {
		repoURL = strings.TrimPrefix(repoURL, prefix)
	}
	repoURL = strings.TrimPrefix(repoURL, "git@")
	repoURL = strings.ReplaceAll(repoURL, ":", "/")
	repoURL = strings.TrimSuffix(repoURL, ".git")
	return filepath.Join(cachePath, "deps", repoURL), nil
}

// EnsureRepoCloned makes sure the dependency repository is in the cache at
// version and returns its path. With update the remote is fetched again.
func EnsureRepoCloned(repoURL, version string, update bool) (string, error) {
	repoPath, err := GetRepoCachePath(repoURL)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(filepath.Join(repoPath, ".git")); err != nil {
		if err := gitCloneWithVersion(repoURL, repoPath, version); err != nil {
			return "", fmt.Errorf("failed to clone %s: %w", repoURL, err)
		}
		verbosef("Cloned dependency source: %s %s", repoURL, version)
		return repoPath, nil
	}

	if update {
		if err := runGit("-C", repoPath, "fetch", "--all", "--tags"); err != nil {
			return "", fmt.Errorf("failed to fetch updates for %s: %w", repoURL, err)
		}
	}
	if ref := resolveVersionRef(version, repoPath); ref != "" {
		if err := runGit("-C", repoPath, "checkout", ref); err != nil {
			return "", fmt.Errorf("failed to checkout %s in %s: %w", ref, repoURL, err)
		}
		if update {
			verbosef("Updated dependency source: %s at %s", repoURL, ref)
		}
	}
	return repoPath, nil
}

// resolveVersionRef converts a version string to a git ref.
// "" or "latest" picks the newest tag, then origin/main, then origin/master.
func resolveVersionRef(version, repoPath string) string {
	if version != "" && version != "latest" {
		return version
	}
	if tag, err := latestTag("-C", repoPath); err == nil {
		return tag
	}
	for _, branch := range []string{"origin/main", "origin/master"} {
		if exec.Command("git", "-C", repoPath, "show-ref", "--verify", "refs/remotes/"+branch).Run() == nil {
			return branch
		}
	}
	return ""
}

func gitCloneWithVersion(repoURL, destPath, version string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	cloneURL := repoURL
	if !strings.Contains(repoURL, "://") && !strings.HasPrefix(repoURL, "git@") {
		cloneURL = "https://" + repoURL
	}

	if version == "" || version == "latest" {
		// A bare clone is enough to find the newest tag
		tmp := destPath + ".tmp"
		if err := runGit("clone", "--bare", cloneURL, tmp); err != nil {
			return fmt.Errorf("git clone failed: %w (tried to clone %s)", err, cloneURL)
		}
		version, _ = latestTag("--git-dir", tmp)
		os.RemoveAll(tmp)
	}

	if version == "" {
		return runGit("clone", "--depth=1", cloneURL, destPath)
	}
	verbosef("Cloning %s at %s...", repoURL, version)
	if err := runGit("clone", "--depth=1", "--branch", version, cloneURL, destPath); err == nil {
		return nil
	}

	// Not a branch or tag; it might be a commit
	verbosef("Not a branch/tag, trying as commit...")
	if err := runGit("clone", cloneURL, destPath); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	if err := runGit("-C", destPath, "checkout", version); err != nil {
		return fmt.Errorf("git checkout %s failed: %w", version, err)
	}
	return nil
}

// latestTag returns the highest version tag. repoArgs selects the
// repository, e.g. "-C", path or "--git-dir", path.
func latestTag(repoArgs ...string) (string, error) {
	args := append(repoArgs, "tag", "--sort=-version:refname")
	output, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", err
	}
	tags := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(tags) > 0 && tags[0] != "" {
		return tags[0], nil
	}
	return "", fmt.Errorf("no tags found")
}

func runGit(args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
