// Package profiles provides the agent profile registry. A profile names
// a way of running an agent for a node: which command to spawn or which
// loop service to call, and with what limits.
package profiles

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by Registry implementations.
var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrProfileExists   = errors.New("profile already exists")
)

// Mode selects how a profile executes nodes.
type Mode string

const (
	// ModeSubprocess spawns a local agent process per node.
	ModeSubprocess Mode = "subprocess"

	// ModeStream drives a node through the remote agent-loop service.
	ModeStream Mode = "stream"
)

// Profile describes one way of running an agent.
type Profile struct {
	// Name is the unique identifier referenced by task nodes.
	Name string `json:"name"`

	// Description provides details about when to use this profile
	Description string `json:"description,omitempty"`

	// Mode selects subprocess or stream execution
	Mode Mode `json:"mode"`

	// Command is the agent command for subprocess mode
	Command []string `json:"command,omitempty"`

	// Actuator selects how the agent acts in stream mode
	Actuator string `json:"actuator,omitempty"`

	// MaxIterations bounds the agent loop per node (0 = inherit default)
	MaxIterations int `json:"max_iterations,omitempty"`

	// Env holds extra environment variables for subprocess mode
	Env map[string]string `json:"env,omitempty"`

	// Metadata holds additional key-value pairs
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when the profile was first registered
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the profile was last modified
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateProfileRequest is the input for registering a new profile.
type CreateProfileRequest struct {
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Mode          Mode              `json:"mode"`
	Command       []string          `json:"command,omitempty"`
	Actuator      string            `json:"actuator,omitempty"`
	MaxIterations int               `json:"max_iterations,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// UpdateProfileRequest is the input for updating an existing profile.
type UpdateProfileRequest struct {
	Description   *string           `json:"description,omitempty"`
	Mode          *Mode             `json:"mode,omitempty"`
	Command       []string          `json:"command,omitempty"`
	Actuator      *string           `json:"actuator,omitempty"`
	MaxIterations *int              `json:"max_iterations,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ListOptions configures list queries.
type ListOptions struct {
	// Mode filters profiles by execution mode when set
	Mode Mode

	// Limit is the maximum number of profiles to return (0 = no limit)
	Limit int

	// Offset is the number of profiles to skip (for pagination)
	Offset int
}

// Registry defines the interface for profile registration and lookup.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Create registers a new profile. Returns ErrProfileExists if the
	// name is taken.
	Create(ctx context.Context, req *CreateProfileRequest) (*Profile, error)

	// Get retrieves a profile by name. Returns ErrProfileNotFound if
	// not found.
	Get(ctx context.Context, name string) (*Profile, error)

	// Update modifies an existing profile.
	Update(ctx context.Context, name string, req *UpdateProfileRequest) (*Profile, error)

	// Delete removes a profile.
	Delete(ctx context.Context, name string) error

	// List returns all profiles matching the options.
	List(ctx context.Context, opts *ListOptions) ([]*Profile, error)

	// Exists checks if a profile with the given name exists.
	Exists(ctx context.Context, name string) (bool, error)

	// Close releases any resources.
	Close() error
}

// Validate checks if a CreateProfileRequest is valid.
func (r *CreateProfileRequest) Validate() error {
	if r.Name == "" {
		return errors.New("profile name is required")
	}
	switch r.Mode {
	case ModeSubprocess:
		if len(r.Command) == 0 {
			return errors.New("subprocess profiles need a command")
		}
	case ModeStream:
	default:
		return errors.New("profile mode must be subprocess or stream")
	}
	return nil
}
