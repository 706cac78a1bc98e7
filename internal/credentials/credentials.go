// Package credentials stages provider auth files into an agent's
// sandbox HOME and tears them down on every exit path.
//
// Each agent invocation owns exactly one staged sandbox; nothing is
// shared between agents, so a compromised or runaway agent can only
// ever see its own copy.
package credentials

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	voratiqerrors "github.com/voratiq/voratiq/internal/errors"
)

// DefaultSources maps provider ids to the auth files their CLIs expect,
// relative to the operator's home directory.
func DefaultSources() map[string][]string {
	return map[string][]string{
		"claude": {".claude/.credentials.json"},
		"codex":  {".codex/auth.json"},
		"gemini": {".gemini/oauth_creds.json"},
	}
}

// Staged is one agent's prepared sandbox HOME.
type Staged struct {
	Provider   string
	SandboxDir string
	HomeDir    string

	// Missing lists configured source files that did not exist; the
	// agent may still work via environment-variable auth.
	Missing []string
}

// Stage copies the provider's auth files from the operator's home into
// a fresh HOME under sandboxDir. Missing sources are recorded rather
// than fatal.
func Stage(provider, sandboxDir string, sources []string) (*Staged, error) {
	homeDir := filepath.Join(sandboxDir, "home")
	if err := os.MkdirAll(homeDir, 0o700); err != nil {
		return nil, voratiqerrors.Wrap(err, "failed to create sandbox home")
	}

	operatorHome, err := os.UserHomeDir()
	if err != nil {
		return nil, voratiqerrors.Wrap(err, "cannot resolve operator home directory")
	}

	staged := &Staged{Provider: provider, SandboxDir: sandboxDir, HomeDir: homeDir}
	for _, rel := range sources {
		src := filepath.Join(operatorHome, rel)
		dst := filepath.Join(homeDir, rel)

		if _, err := os.Stat(src); err != nil {
			staged.Missing = append(staged.Missing, rel)
			continue
		}
		if err := copyFile(src, dst); err != nil {
			return nil, voratiqerrors.Wrap(err, fmt.Sprintf("failed to stage credential %s", rel))
		}
	}
	return staged, nil
}

// Env returns base with HOME pointing at the sandbox home. Base order
// is preserved; a later HOME wins over any inherited one.
func (s *Staged) Env(base []string) []string {
	out := make([]string, 0, len(base)+1)
	for _, kv := range base {
		if len(kv) >= 5 && kv[:5] == "HOME=" {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "HOME="+s.HomeDir)
}

// Release removes the staged sandbox. Safe to call multiple times.
func (s *Staged) Release() error {
	if s == nil || s.SandboxDir == "" {
		return nil
	}
	if err := os.RemoveAll(s.SandboxDir); err != nil {
		return voratiqerrors.Wrap(err, "failed to remove sandbox")
	}
	return nil
}

// copyFile copies src to dst, creating parent directories. Credential
// files keep owner-only permissions.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dst)
		return err
	}
	return out.Sync()
}
