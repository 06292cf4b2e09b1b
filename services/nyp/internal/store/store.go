// Package store persists named JSON documents. Every backend honors the same
// contract so callers never depend on which one is active.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

type Mode string

const (
	ModeFile   Mode = "FILE"
	ModeMemory Mode = "MEMORY"
	ModeDB     Mode = "DB"
)

var (
	ErrInvalidName     = errors.New("invalid document name")
	ErrInvalidDocument = errors.New("document is not valid json")
	ErrCorrupt         = errors.New("stored document is corrupt")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

type Info struct {
	Mode     Mode   `json:"mode"`
	Location string `json:"location"`
}

type Store interface {
	// Load returns the stored document, or def when name has never been saved.
	Load(ctx context.Context, name string, def json.RawMessage) (json.RawMessage, error)
	// Save replaces the document atomically. Readers see the old or the new
	// document, never a mix.
	Save(ctx context.Context, name string, doc json.RawMessage) error
	// SaveAll replaces several documents as one unit. Either every document is
	// replaced or none is.
	SaveAll(ctx context.Context, docs map[string]json.RawMessage) error
	Exists(ctx context.Context, name string) (bool, error)
	// Delete reports whether a document was removed.
	Delete(ctx context.Context, name string) (bool, error)
	// Backup copies the current document to a timestamped sibling and returns
	// the sibling's name. It returns "" when there is nothing to copy.
	Backup(ctx context.Context, name string) (string, error)
	List(ctx context.Context) ([]string, error)
	Info() Info
}

func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func validateDoc(name string, doc json.RawMessage) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if !json.Valid(doc) {
		return fmt.Errorf("%w: %s", ErrInvalidDocument, name)
	}
	return nil
}

const backupLayout = "20060102_150405"

func backupName(name, stamp string) string {
	return name + "_" + stamp
}
