package deployconf

import "fmt"

// ResolveRepository returns the first repository entry named name.
func (c *Config) ResolveRepository(name string) (*Repository, error) {
	for i := range c.Repositories {
		if c.Repositories[i].Name == name {
			return &c.Repositories[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrRepositoryNotFound, name)
}

// ResolveTarget returns the first target of r whose ref equals ref.
func (r *Repository) ResolveTarget(ref string) (*Target, error) {
	for i := range r.Targets {
		if r.Targets[i].Ref == ref {
			return &r.Targets[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q has no target for %q", ErrTargetNotFound, r.Name, ref)
}

// Resolve looks up the repository and then its target for one event.
func (c *Config) Resolve(name, ref string) (*Repository, *Target, error) {
	repo, err := c.ResolveRepository(name)
	if err != nil {
		return nil, nil, err
	}
	target, err := repo.ResolveTarget(ref)
	if err != nil {
		return repo, nil, err
	}
	return repo, target, nil
}
