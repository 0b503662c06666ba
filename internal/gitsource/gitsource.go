// Package gitsource keeps local checkouts of git-hosted decks up to date.
package gitsource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/conorfennell/studyloop/internal/logger"
)

// Sync clones a git repository if it doesn't exist at localPath,
// or pulls the latest changes if it does.
func Sync(ctx context.Context, repoURL, localPath string, log *logger.Logger) error {
	info, err := os.Stat(localPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Info("cloning deck repository", "url", repoURL, "path", localPath)
		if _, err := git.PlainCloneContext(ctx, localPath, false, &git.CloneOptions{URL: repoURL}); err != nil {
			return fmt.Errorf("failed to clone repo %s: %w", repoURL, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("error checking path %s: %w", localPath, err)
	case !info.IsDir():
		return fmt.Errorf("checkout path %s is not a directory", localPath)
	}

	repo, err := git.PlainOpen(localPath)
	if err != nil {
		return fmt.Errorf("failed to open existing repo at %s: %w", localPath, err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree for repo at %s: %w", localPath, err)
	}

	err = worktree.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		log.Debug("deck repository up to date", "path", localPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to pull changes for repo at %s: %w", localPath, err)
	}
	log.Info("pulled deck repository", "url", repoURL, "path", localPath)
	return nil
}

// LocalPath maps a repository URL to its checkout directory under baseDir.
// Both https://host/org/repo.git and git@host:org/repo.git forms are accepted.
func LocalPath(baseDir, repoURL string) (string, error) {
	if u, err := url.Parse(repoURL); err == nil && (u.Scheme == "https" || u.Scheme == "http" || u.Scheme == "ssh") && u.Host != "" {
		return checkoutPath(baseDir, u.Hostname(), u.Path)
	}

	// scp-like syntax: user@host:path
	userHost, repoPath, ok := strings.Cut(repoURL, ":")
	if !ok {
		return "", fmt.Errorf("could not parse git URL: %s", repoURL)
	}
	_, host, ok := strings.Cut(userHost, "@")
	if !ok || host == "" {
		return "", fmt.Errorf("could not parse git URL: %s", repoURL)
	}
	return checkoutPath(baseDir, host, repoPath)
}

func checkoutPath(baseDir, host, repoPath string) (string, error) {
	repoPath = strings.Trim(strings.TrimSuffix(repoPath, ".git"), "/")
	clean := filepath.Clean(filepath.FromSlash(repoPath))
	if repoPath == "" || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("git URL has no usable repository path: %s", repoPath)
	}
	return filepath.Join(baseDir, host, clean), nil
}
