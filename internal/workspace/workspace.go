// Package workspace manages the git worktree each loop runs in. Every
// loop gets its own worktree with a dedicated branch so parallel loops
// never step on each other's working tree. Ported from the original
// implementation's src/worktree/manager.rs (WorktreeManager), which
// shells out to the git binary directly; Go has no first-party git
// implementation, and no git library (go-git, git2go) appears anywhere
// in the example pack, so this package does the same via os/exec.
package workspace

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scottidler/loopr/internal/id"
	apperrors "github.com/scottidler/loopr/pkg/errors"
)

// Manager creates, inspects, and tears down per-loop git worktrees
// rooted under a shared base path, all branched from one repository.
type Manager struct {
	basePath string
	repoRoot string
}

// New constructs a Manager. basePath is where per-loop worktrees are
// created; repoRoot is the main repository they are branched from.
func New(basePath, repoRoot string) *Manager {
	return &Manager{basePath: basePath, repoRoot: repoRoot}
}

// BasePath returns the directory worktrees are created under.
func (m *Manager) BasePath() string { return m.basePath }

// RepoRoot returns the main repository path.
func (m *Manager) RepoRoot() string { return m.repoRoot }

// Path returns the worktree path for a loop, whether or not it has been
// created yet.
func (m *Manager) Path(loopID string) string {
	return filepath.Join(m.basePath, loopID)
}

func branchName(loopID string) string {
	return "loop/" + loopID
}

func runGit(dir string, args ...string) (stdout string, err error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if runErr := cmd.Run(); runErr != nil {
		return outBuf.String(), apperrors.NewWorkspaceErrorWithCause(
			"git "+strings.Join(args, " ")+": "+strings.TrimSpace(errBuf.String()), runErr)
	}
	return outBuf.String(), nil
}

// Meta is the snapshot recorded for each worktree at creation, kept
// outside the worktree itself so it never dirties the working tree.
type Meta struct {
	LoopID          string `yaml:"loop_id"`
	Branch          string `yaml:"branch"`
	RepoRoot        string `yaml:"repo_root"`
	CreatedAtMillis int64  `yaml:"created_at_ms"`
}

func (m *Manager) metaPath(loopID string) string {
	return filepath.Join(m.basePath, ".meta", loopID+".yaml")
}

// Create creates a worktree at {base_path}/{loop_id} on a new branch
// "loop/{loop_id}" branched from main, and records its metadata
// snapshot under {base_path}/.meta.
func (m *Manager) Create(loopID string) (string, error) {
	worktreePath := m.Path(loopID)

	if err := os.MkdirAll(m.basePath, 0o755); err != nil {
		return "", apperrors.NewWorkspaceErrorWithCause("creating worktree base path", err)
	}

	if _, err := runGit(m.repoRoot, "worktree", "add", worktreePath, "-b", branchName(loopID), "main"); err != nil {
		return "", err
	}

	if err := m.writeMeta(Meta{
		LoopID:          loopID,
		Branch:          branchName(loopID),
		RepoRoot:        m.repoRoot,
		CreatedAtMillis: id.NowMillis(),
	}); err != nil {
		return "", err
	}
	return worktreePath, nil
}

func (m *Manager) writeMeta(meta Meta) error {
	if err := os.MkdirAll(filepath.Dir(m.metaPath(meta.LoopID)), 0o755); err != nil {
		return apperrors.NewWorkspaceErrorWithCause("creating worktree meta dir", err)
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return apperrors.NewWorkspaceErrorWithCause("encoding worktree meta", err)
	}
	if err := os.WriteFile(m.metaPath(meta.LoopID), data, 0o644); err != nil {
		return apperrors.NewWorkspaceErrorWithCause("writing worktree meta", err)
	}
	return nil
}

// ReadMeta returns the metadata snapshot recorded when loopID's
// worktree was created.
func (m *Manager) ReadMeta(loopID string) (Meta, error) {
	data, err := os.ReadFile(m.metaPath(loopID))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, apperrors.NewNotFoundError("no worktree meta for: " + loopID)
		}
		return Meta{}, apperrors.NewWorkspaceErrorWithCause("reading worktree meta", err)
	}
	var meta Meta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return Meta{}, apperrors.NewWorkspaceErrorWithCause("decoding worktree meta", err)
	}
	return meta, nil
}

// Cleanup removes a loop's worktree, forcing past any uncommitted
// changes, and deletes its branch unless preserveBranch is set. Branch
// deletion failure is not treated as an error: the branch may simply
// not exist, mirroring the original's "log, don't fail" behavior.
func (m *Manager) Cleanup(loopID string, preserveBranch bool) error {
	worktreePath := m.Path(loopID)

	if _, err := os.Stat(worktreePath); err == nil {
		if _, err := runGit(m.repoRoot, "worktree", "remove", worktreePath, "--force"); err != nil {
			return err
		}
	}

	if !preserveBranch {
		_, _ = runGit(m.repoRoot, "branch", "-D", branchName(loopID))
	}
	_ = os.Remove(m.metaPath(loopID))
	return nil
}

// Exists reports whether a loop's worktree directory is present.
func (m *Manager) Exists(loopID string) bool {
	_, err := os.Stat(m.Path(loopID))
	return err == nil
}

// List returns the loop ids of every worktree under this manager's base
// path, derived from `git worktree list --porcelain`.
func (m *Manager) List() ([]string, error) {
	out, err := runGit(m.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var worktrees []string
	for _, line := range strings.Split(out, "\n") {
		path, ok := strings.CutPrefix(line, "worktree ")
		if !ok {
			continue
		}
		absBase, err := filepath.Abs(m.basePath)
		if err != nil {
			continue
		}
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
			continue
		}
		worktrees = append(worktrees, filepath.Base(absPath))
	}
	return worktrees, nil
}

// IsClean reports whether a loop's worktree has no uncommitted changes.
func (m *Manager) IsClean(loopID string) (bool, error) {
	worktreePath := m.Path(loopID)
	if !m.Exists(loopID) {
		return false, apperrors.NewNotFoundError("worktree does not exist: " + loopID)
	}
	out, err := runGit(worktreePath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// AutoCommit stages and commits all outstanding changes in a loop's
// worktree with the given message. A no-op if the worktree is already
// clean.
func (m *Manager) AutoCommit(loopID, message string) error {
	worktreePath := m.Path(loopID)
	if !m.Exists(loopID) {
		return apperrors.NewNotFoundError("worktree does not exist: " + loopID)
	}

	clean, err := m.IsClean(loopID)
	if err != nil {
		return err
	}
	if clean {
		return nil
	}

	if _, err := runGit(worktreePath, "add", "-A"); err != nil {
		return err
	}
	if _, err := runGit(worktreePath, "commit", "-m", message); err != nil {
		return err
	}
	return nil
}
