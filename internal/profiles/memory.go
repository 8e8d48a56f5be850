package profiles

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry implements Registry using in-memory storage.
// Suitable for testing and single-process deployments.
type MemoryRegistry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewMemoryRegistry creates a new in-memory profile registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		profiles: make(map[string]*Profile),
	}
}

// NewMemoryRegistryWithDefaults creates a registry pre-populated with the
// built-in profiles nodes reference when the interpreter doesn't pick one.
func NewMemoryRegistryWithDefaults(command []string, actuator string, maxIterations int) *MemoryRegistry {
	r := NewMemoryRegistry()
	now := time.Now().UTC()

	defaults := []*Profile{
		{
			Name:          "default",
			Description:   "Local agent subprocess",
			Mode:          ModeSubprocess,
			Command:       command,
			MaxIterations: maxIterations,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		{
			Name:          "loop",
			Description:   "Remote agent-loop service",
			Mode:          ModeStream,
			Actuator:      actuator,
			MaxIterations: maxIterations,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}

	for _, p := range defaults {
		r.profiles[p.Name] = p
	}

	return r
}

// Create registers a new profile.
func (r *MemoryRegistry) Create(ctx context.Context, req *CreateProfileRequest) (*Profile, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[req.Name]; exists {
		return nil, ErrProfileExists
	}

	now := time.Now().UTC()
	profile := &Profile{
		Name:          req.Name,
		Description:   req.Description,
		Mode:          req.Mode,
		Command:       req.Command,
		Actuator:      req.Actuator,
		MaxIterations: req.MaxIterations,
		Env:           req.Env,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	r.profiles[req.Name] = profile
	return profile, nil
}

// Get retrieves a profile by name.
func (r *MemoryRegistry) Get(ctx context.Context, name string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.profiles[name]
	if !ok {
		return nil, ErrProfileNotFound
	}

	// Return a copy to prevent external mutation
	copy := *profile
	return &copy, nil
}

// Update modifies an existing profile.
func (r *MemoryRegistry) Update(ctx context.Context, name string, req *UpdateProfileRequest) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.profiles[name]
	if !ok {
		return nil, ErrProfileNotFound
	}

	if req.Description != nil {
		profile.Description = *req.Description
	}
	if req.Mode != nil {
		profile.Mode = *req.Mode
	}
	if req.Command != nil {
		profile.Command = req.Command
	}
	if req.Actuator != nil {
		profile.Actuator = *req.Actuator
	}
	if req.MaxIterations != nil {
		profile.MaxIterations = *req.MaxIterations
	}
	if req.Env != nil {
		profile.Env = req.Env
	}
	if req.Metadata != nil {
		profile.Metadata = req.Metadata
	}
	profile.UpdatedAt = time.Now().UTC()

	copy := *profile
	return &copy, nil
}

// Delete removes a profile.
func (r *MemoryRegistry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.profiles[name]; !ok {
		return ErrProfileNotFound
	}

	delete(r.profiles, name)
	return nil
}

// List returns all profiles matching the options.
func (r *MemoryRegistry) List(ctx context.Context, opts *ListOptions) ([]*Profile, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Profile
	for _, profile := range r.profiles {
		if opts.Mode != "" && profile.Mode != opts.Mode {
			continue
		}
		copy := *profile
		out = append(out, &copy)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*Profile{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}

	return out, nil
}

// Exists checks if a profile with the given name exists.
func (r *MemoryRegistry) Exists(ctx context.Context, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.profiles[name]
	return ok, nil
}

// Close is a no-op for the memory registry.
func (r *MemoryRegistry) Close() error {
	return nil
}
