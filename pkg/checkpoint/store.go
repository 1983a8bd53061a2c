// Package checkpoint snapshots the workspace directory into a private git
// object store. The store lives in its own metadata directory with a
// separate work-tree binding, so it never touches a version-control setup
// the user keeps in the workspace.
package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	subjectPrefix    = "CHECKPOINT: "
	adviceOnlySuffix = " (advice-only)"
	initSubject      = "Initial checkpoint repository"

	authorName = "ZypherAgent"
)

// ErrNotFound is returned when a checkpoint ID does not resolve to a
// commit in the store.
var ErrNotFound = errors.New("checkpoint not found")

// Details describes one checkpoint.
type Details struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Timestamp  time.Time `json:"timestamp"`
	AdviceOnly bool      `json:"adviceOnly,omitempty"`
	Files      []string  `json:"files,omitempty"`
}

// Store is a git-backed checkpoint store for one workspace.
type Store struct {
	workDir string
	gitDir  string
	author  string
	email   string
}

// NewStore creates a store snapshotting workDir into the metadata directory
// at gitDir. Nothing is created until the first checkpoint.
func NewStore(workDir, gitDir string) *Store {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &Store{
		workDir: workDir,
		gitDir:  gitDir,
		author:  authorName,
		email:   "zypher@" + host,
	}
}

// git runs one git command bound to the private metadata directory and the
// workspace work-tree.
func (s *Store) git(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"--git-dir", s.gitDir, "--work-tree", s.workDir}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = s.workDir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+s.author,
		"GIT_AUTHOR_EMAIL="+s.email,
		"GIT_COMMITTER_NAME="+s.author,
		"GIT_COMMITTER_EMAIL="+s.email,
		// Keep user and system gitconfig out of the store's behavior.
		"GIT_CONFIG_NOSYSTEM=1",
		"HOME="+s.gitDir,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// ensureInit initializes the store once, with a marker commit so the log is
// never empty. Safe to call repeatedly.
func (s *Store) ensureInit(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(s.gitDir, "HEAD")); err == nil {
		return nil
	}
	if err := os.MkdirAll(s.gitDir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	if _, err := s.git(ctx, "init", "--quiet"); err != nil {
		return err
	}
	if err := s.excludeSelf(); err != nil {
		return err
	}
	if _, err := s.git(ctx, "commit", "--allow-empty", "--quiet", "-m", initSubject); err != nil {
		return err
	}
	slog.Debug("initialized checkpoint store", "git_dir", s.gitDir, "work_tree", s.workDir)
	return nil
}

// excludeSelf keeps a metadata directory that sits inside the work-tree out
// of its own snapshots. Snapshotting it would commit the store's objects
// into every checkpoint, and an apply would then write stale metadata back
// over the live git dir.
func (s *Store) excludeSelf() error {
	work, err := filepath.Abs(s.workDir)
	if err != nil {
		return err
	}
	meta, err := filepath.Abs(s.gitDir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(work, meta)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}

	exclude := filepath.Join(s.gitDir, "info", "exclude")
	if err := os.MkdirAll(filepath.Dir(exclude), 0o755); err != nil {
		return err
	}
	return os.WriteFile(exclude, []byte("/"+filepath.ToSlash(rel)+"/\n"), 0o644)
}

// Create stages the entire workspace and commits it under the checkpoint
// subject. When nothing changed since the previous checkpoint the commit is
// still created, marked advice-only. Returns the commit hash.
func (s *Store) Create(ctx context.Context, name string) (string, error) {
	if err := s.ensureInit(ctx); err != nil {
		return "", err
	}
	if _, err := s.git(ctx, "add", "-A", "."); err != nil {
		return "", err
	}

	status, err := s.git(ctx, "status", "--porcelain")
	if err != nil {
		return "", err
	}

	subject := subjectPrefix + name
	if status == "" {
		subject += adviceOnlySuffix
	}
	if _, err := s.git(ctx, "commit", "--allow-empty", "--quiet", "-m", subject); err != nil {
		return "", err
	}

	hash, err := s.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	slog.Debug("created checkpoint", "name", name, "id", hash, "advice_only", status == "")
	return hash, nil
}

// Details returns the checkpoint's hash, timestamp, parsed name, and the
// files changed in it.
func (s *Store) Details(ctx context.Context, id string) (*Details, error) {
	if err := s.verify(ctx, id); err != nil {
		return nil, err
	}

	out, err := s.git(ctx, "show", "-s", "--format=%H%n%aI%n%s", id)
	if err != nil {
		return nil, err
	}
	lines := strings.SplitN(out, "\n", 3)
	if len(lines) < 3 {
		return nil, fmt.Errorf("unexpected git show output for %s", id)
	}

	ts, err := time.Parse(time.RFC3339, lines[1])
	if err != nil {
		return nil, fmt.Errorf("parsing checkpoint timestamp: %w", err)
	}

	name, adviceOnly := parseSubject(lines[2])

	filesOut, err := s.git(ctx, "diff-tree", "--root", "--no-commit-id", "--name-only", "-r", id)
	if err != nil {
		return nil, err
	}
	var files []string
	if filesOut != "" {
		files = strings.Split(filesOut, "\n")
	}

	return &Details{
		ID:         lines[0],
		Name:       name,
		Timestamp:  ts,
		AdviceOnly: adviceOnly,
		Files:      files,
	}, nil
}

// List returns all checkpoints plus the initial marker commit, newest
// first. Commits that do not carry the checkpoint subject are filtered out.
func (s *Store) List(ctx context.Context) ([]*Details, error) {
	if err := s.ensureInit(ctx); err != nil {
		return nil, err
	}

	out, err := s.git(ctx, "log", "--format=%H%x09%aI%x09%s")
	if err != nil {
		return nil, err
	}

	var list []*Details
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 3 {
			continue
		}
		subject := parts[2]
		if !strings.HasPrefix(subject, subjectPrefix) && subject != initSubject {
			continue
		}
		ts, err := time.Parse(time.RFC3339, parts[1])
		if err != nil {
			continue
		}
		name, adviceOnly := parseSubject(subject)
		list = append(list, &Details{
			ID:         parts[0],
			Name:       name,
			Timestamp:  ts,
			AdviceOnly: adviceOnly,
		})
	}
	return list, nil
}

// Apply restores the workspace tree to the given checkpoint. A safety
// checkpoint of the current state is created first, so the apply itself is
// always reversible. The store's head does not move.
func (s *Store) Apply(ctx context.Context, id string) error {
	if err := s.verify(ctx, id); err != nil {
		return err
	}

	backupName := "backup-before-applying-" + shortID(id)
	if _, err := s.Create(ctx, backupName); err != nil {
		return fmt.Errorf("creating safety checkpoint: %w", err)
	}

	// Reset the index to the target tree, write it out, then drop files
	// that exist only in the current state. Those files live on in the
	// safety checkpoint.
	if _, err := s.git(ctx, "read-tree", "--reset", id); err != nil {
		return err
	}
	if _, err := s.git(ctx, "checkout-index", "-f", "-a"); err != nil {
		return err
	}
	if _, err := s.git(ctx, "clean", "-fd"); err != nil {
		return err
	}

	slog.Info("applied checkpoint", "id", id, "backup", backupName)
	return nil
}

func (s *Store) verify(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrNotFound)
	}
	if _, err := os.Stat(filepath.Join(s.gitDir, "HEAD")); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, err := s.git(ctx, "cat-file", "-e", id+"^{commit}"); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// parseSubject recovers the checkpoint name from a commit subject.
func parseSubject(subject string) (name string, adviceOnly bool) {
	name = strings.TrimPrefix(subject, subjectPrefix)
	if strings.HasSuffix(name, adviceOnlySuffix) {
		name = strings.TrimSuffix(name, adviceOnlySuffix)
		adviceOnly = true
	}
	return name, adviceOnly
}

func shortID(id string) string {
	if len(id) > 7 {
		return id[:7]
	}
	return id
}
