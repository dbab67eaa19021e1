package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vovakirdan/wirechat-inbox/internal/inbox/api"
)

// tokenFile is a TokenSource backed by a file, re-read on every call so a
// login from another shell takes effect on the next reconnect.
type tokenFile struct {
	path string
}

func (t *tokenFile) Token() (string, error) {
	data, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", api.ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", api.ErrNoToken
	}
	return token, nil
}

func (t *tokenFile) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	return os.WriteFile(t.path, []byte(token+"\n"), 0o600)
}
