// Package project defines the tenant boundary. A project owns platform
// configs, API keys, and message history.
package project

import (
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the project package.
var (
	ErrNotFound      = errors.New("project not found")
	ErrSlugTaken     = errors.New("project slug already in use")
	ErrInvalidSlug   = errors.New("slug must contain only lowercase letters, digits, and hyphens")
	ErrHasActiveKeys = errors.New("project has active API keys and cannot be deleted")
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Environment is the deployment tier a project belongs to.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Project is the tenant entity.
type Project struct {
	ID          uuid.UUID
	Slug        string
	Name        string
	Environment Environment
	OwnerID     string
	IsDefault   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ValidSlug reports whether slug matches the required shape.
func ValidSlug(slug string) bool {
	return slug != "" && slugPattern.MatchString(slug)
}
