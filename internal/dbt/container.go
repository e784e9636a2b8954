package dbt

import (
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dejo1307/dbtlens/internal/logger"
)

// skipDirs are never searched for nested projects.
var skipDirs = map[string]bool{
	".git":         true,
	"target":       true,
	"dbt_packages": true,
	"dbt_modules":  true,
	"node_modules": true,
	".venv":        true,
	"logs":         true,
}

// Opener builds a Project for a directory holding dbt_project.yml.
type Opener func(root string) (Project, error)

// Container holds the known projects and resolves roots to them.
type Container struct {
	mu       sync.RWMutex
	projects []Project
}

// NewContainer returns a container over projects.
func NewContainer(projects ...Project) *Container {
	c := &Container{}
	for _, p := range projects {
		c.Add(p)
	}
	return c
}

// Discover walks roots for dbt_project.yml files and opens each project
// found. Projects that fail to open are logged and skipped.
func Discover(roots []string, open Opener) (*Container, error) {
	c := NewContainer()
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", root, err)
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == abs {
					return err
				}
				return nil
			}
			if d.IsDir() {
				if path != abs && skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Name() != ProjectFileName {
				return nil
			}
			dir := filepath.Dir(path)
			p, err := open(dir)
			if err != nil {
				logger.Error("[dbt] skipping %s: %v", dir, err)
				return nil
			}
			c.Add(p)
			logger.Info("[dbt] found project %s at %s", p.Name(), dir)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", abs, err)
		}
	}
	return c, nil
}

// Add registers p, replacing any project with the same root.
func (c *Container) Add(p Project) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.projects {
		if existing.Root() == p.Root() {
			c.projects[i] = p
			return
		}
	}
	c.projects = append(c.projects, p)
	sort.Slice(c.projects, func(i, j int) bool {
		return c.projects[i].Root() < c.projects[j].Root()
	})
}

// Projects returns the projects sorted by root.
func (c *Container) Projects() []Project {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Project, len(c.projects))
	copy(out, c.projects)
	return out
}

// Len returns the number of projects.
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.projects)
}

// Find returns the project owning path. path may be percent-encoded or a
// file:// URI. The deepest project root containing path wins.
func (c *Container) Find(path string) (Project, error) {
	target, err := normalizeRoot(path)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var best Project
	for _, p := range c.projects {
		root := p.Root()
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			continue
		}
		if best == nil || len(root) > len(best.Root()) {
			best = p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, target)
	}
	return best, nil
}

// normalizeRoot decodes and cleans a root given by a client.
func normalizeRoot(path string) (string, error) {
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return "", fmt.Errorf("%w: bad project root %q: %v", ErrInvalidArgument, path, err)
	}
	decoded = strings.TrimPrefix(decoded, "file://")
	if decoded == "" {
		return "", fmt.Errorf("%w: project root is required", ErrInvalidArgument)
	}
	return filepath.Clean(decoded), nil
}
