// SPDX-License-Identifier: MPL-2.0

package packs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

type (
	// FetchResult describes the checkout after CloneOrUpdate.
	FetchResult struct {
		Path string
		// Head is the checked-out commit.
		Head string
		// Cloned is true when the repository was cloned rather than updated.
		Cloned bool
	}

	// GitFetcherOption configures a GitFetcher.
	GitFetcherOption func(*GitFetcher)

	// GitFetcher clones pack repositories and keeps them up to date.
	GitFetcher struct {
		sshAuth  transport.AuthMethod
		httpAuth transport.AuthMethod
	}
)

// WithAuth uses auth for every remote regardless of its scheme.
func WithAuth(auth transport.AuthMethod) GitFetcherOption {
	return func(f *GitFetcher) {
		f.sshAuth = auth
		f.httpAuth = auth
	}
}

// NewGitFetcher creates a fetcher with credentials discovered from ~/.ssh and
// the GITHUB_TOKEN, GITLAB_TOKEN or GIT_TOKEN environment variables.
func NewGitFetcher(opts ...GitFetcherOption) *GitFetcher {
	f := &GitFetcher{
		sshAuth:  trySSHAuth(),
		httpAuth: tryHTTPAuth(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CloneOrUpdate clones repoURL into localPath, or when a repository already
// exists there fetches origin and fast-forwards the checked-out branch.
func (f *GitFetcher) CloneOrUpdate(ctx context.Context, repoURL, localPath string) (*FetchResult, error) {
	repo, err := git.PlainOpen(localPath)
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		repo, err = f.clone(ctx, repoURL, localPath)
		if err != nil {
			return nil, fmt.Errorf("clone %s: %w", repoURL, err)
		}
		return headResult(repo, localPath, true)
	case err != nil:
		return nil, fmt.Errorf("open %s: %w", localPath, err)
	}

	if err := f.pull(ctx, repo, repoURL); err != nil {
		return nil, fmt.Errorf("update %s: %w", localPath, err)
	}
	return headResult(repo, localPath, false)
}

func (f *GitFetcher) clone(ctx context.Context, repoURL, dest string) (*git.Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}

	repo, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:  repoURL,
		Auth: f.authFor(repoURL),
	})
	if err != nil {
		// Clean up the partial checkout so the next run clones again (best-effort)
		_ = os.RemoveAll(dest)
		return nil, err
	}
	return repo, nil
}

func (f *GitFetcher) pull(ctx context.Context, repo *git.Repository, repoURL string) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       f.authFor(repoURL),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}
	return nil
}

func headResult(repo *git.Repository, path string, cloned bool) (*FetchResult, error) {
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD: %w", err)
	}
	return &FetchResult{Path: path, Head: head.Hash().String(), Cloned: cloned}, nil
}

func (f *GitFetcher) authFor(repoURL string) transport.AuthMethod {
	if isSSHURL(repoURL) {
		return f.sshAuth
	}
	if strings.HasPrefix(repoURL, "http://") || strings.HasPrefix(repoURL, "https://") {
		return f.httpAuth
	}
	return nil
}

func isSSHURL(u string) bool {
	return strings.HasPrefix(u, "git@") || strings.HasPrefix(u, "ssh://")
}

// trySSHAuth loads the first usable key from the common SSH key locations.
func trySSHAuth() transport.AuthMethod {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		keyPath := filepath.Join(homeDir, ".ssh", name)
		if _, err := os.Stat(keyPath); err != nil {
			continue
		}
		if auth, err := ssh.NewPublicKeysFromFile("git", keyPath, ""); err == nil {
			return auth
		}
	}
	return nil
}

func tryHTTPAuth() transport.AuthMethod {
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		return &http.BasicAuth{Username: "x-access-token", Password: token}
	}
	if token := os.Getenv("GITLAB_TOKEN"); token != "" {
		return &http.BasicAuth{Username: "gitlab-ci-token", Password: token}
	}
	if token := os.Getenv("GIT_TOKEN"); token != "" {
		return &http.BasicAuth{Username: "git", Password: token}
	}
	return nil
}
