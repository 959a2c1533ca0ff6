package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LocalState is the operator's per-project scratch file. It currently holds
// the generated postgres credentials so repeated starts of the same
// environment agree on the password.
type LocalState struct {
	Passwords map[string]string `json:"passwords,omitempty"`

	path string
}

// LoadState reads the state file from dir, returning an empty state when the
// file does not exist yet.
func LoadState(dir string) (*LocalState, error) {
	path := filepath.Join(dir, "state.json")
	st := &LocalState{Passwords: map[string]string{}, path: path}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	if st.Passwords == nil {
		st.Passwords = map[string]string{}
	}
	st.path = path
	return st, nil
}

// Password returns the stored password for an environment, if any.
func (s *LocalState) Password(env string) (string, bool) {
	pw, ok := s.Passwords[env]
	return pw, ok
}

// SetPassword stores a generated password and persists the state file.
func (s *LocalState) SetPassword(env, password string) error {
	s.Passwords[env] = password
	return s.save()
}

// ForgetPassword drops a stored credential, used by destroy.
func (s *LocalState) ForgetPassword(env string) error {
	if _, ok := s.Passwords[env]; !ok {
		return nil
	}
	delete(s.Passwords, env)
	return s.save()
}

func (s *LocalState) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write state file %s: %w", s.path, err)
	}
	return nil
}
