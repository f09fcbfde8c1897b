// Package credstore keeps each task's raw credential blob in its own file for
// as long as the task is alive.
package credstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidTaskID = errors.New("invalid task id")

type Store interface {
	Write(taskID, blob string) error
	Delete(taskID string) error
}

// FileStore writes cookie_<taskID>.txt files under one directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "cookies"
	}
	return &FileStore{dir: dir}
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Path(taskID string) (string, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || strings.Contains(taskID, "..") {
		return "", ErrInvalidTaskID
	}
	return filepath.Join(s.dir, "cookie_"+taskID+".txt"), nil
}

func (s *FileStore) Write(taskID, blob string) error {
	path, err := s.Path(taskID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(blob), 0o600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

// Delete is a no-op when the file is already gone.
func (s *FileStore) Delete(taskID string) error {
	path, err := s.Path(taskID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
