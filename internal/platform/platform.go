// Package platform keeps the registry of known agent platforms.
package platform

import (
	"context"
	"errors"
	"regexp"
	"time"
)

var (
	ErrNotFound = errors.New("platform not found")
	ErrExists   = errors.New("platform already exists")
	ErrInvalid  = errors.New("invalid platform")
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

type Platform struct {
	Name          string         `json:"name"`
	DisplayName   string         `json:"display_name"`
	Version       string         `json:"version,omitempty"`
	SchemaVersion string         `json:"schema_version,omitempty"`
	Enabled       bool           `json:"enabled"`
	Config        map[string]any `json:"config,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type Store interface {
	Put(context.Context, Platform) error
	Get(context.Context, string) (Platform, error)
	List(context.Context) ([]Platform, error)
}

func ValidName(name string) bool {
	return nameRe.MatchString(name)
}
