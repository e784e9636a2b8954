package dbt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// File names inside a dbt project.
const (
	ProjectFileName  = "dbt_project.yml"
	ProfilesFileName = "profiles.yml"
	PackagesFileName = "packages.yml"
)

// ProjectFile is the subset of dbt_project.yml dbtlens reads.
type ProjectFile struct {
	Name                string   `yaml:"name"`
	Version             string   `yaml:"version"`
	Profile             string   `yaml:"profile"`
	ModelPaths          []string `yaml:"model-paths"`
	SourcePaths         []string `yaml:"source-paths"` // pre-1.0 spelling of model-paths
	SeedPaths           []string `yaml:"seed-paths"`
	MacroPaths          []string `yaml:"macro-paths"`
	TestPaths           []string `yaml:"test-paths"`
	TargetPath          string   `yaml:"target-path"`
	PackagesInstallPath string   `yaml:"packages-install-path"`
}

// ReadProjectFile parses <root>/dbt_project.yml and applies dbt's defaults.
func ReadProjectFile(root string) (*ProjectFile, error) {
	path := filepath.Join(root, ProjectFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var pf ProjectFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(pf.ModelPaths) == 0 {
		pf.ModelPaths = pf.SourcePaths
	}
	if len(pf.ModelPaths) == 0 {
		pf.ModelPaths = []string{"models"}
	}
	if len(pf.SeedPaths) == 0 {
		pf.SeedPaths = []string{"seeds"}
	}
	if len(pf.MacroPaths) == 0 {
		pf.MacroPaths = []string{"macros"}
	}
	if len(pf.TestPaths) == 0 {
		pf.TestPaths = []string{"tests"}
	}
	if pf.TargetPath == "" {
		pf.TargetPath = "target"
	}
	if pf.PackagesInstallPath == "" {
		pf.PackagesInstallPath = "dbt_packages"
	}
	if pf.Profile == "" {
		pf.Profile = pf.Name
	}
	return &pf, nil
}

// Profile is one entry of profiles.yml.
type Profile struct {
	Target  string            `yaml:"target"`
	Outputs map[string]Output `yaml:"outputs"`
}

// Output is one target of a profile. Only the adapter type is read.
type Output struct {
	Type string `yaml:"type"`
}

// TargetNames returns the profile's output names, sorted.
func (p Profile) TargetNames() []string {
	names := make([]string, 0, len(p.Outputs))
	for name := range p.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadProfile returns the named profile from <dir>/profiles.yml.
func ReadProfile(dir, name string) (*Profile, error) {
	path := filepath.Join(dir, ProfilesFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var profiles map[string]yaml.Node
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	node, ok := profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile %q not found in %s", name, path)
	}
	var p Profile
	if err := node.Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding profile %q: %w", name, err)
	}
	return &p, nil
}

// ResolveProfilesDir picks the profiles directory the way dbt does: an
// explicit directory, then DBT_PROFILES_DIR, then the project root when it
// holds a profiles.yml, then ~/.dbt.
func ResolveProfilesDir(explicit, projectRoot string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("DBT_PROFILES_DIR"); env != "" {
		return env
	}
	if _, err := os.Stat(filepath.Join(projectRoot, ProfilesFileName)); err == nil {
		return projectRoot
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dbt"
	}
	return filepath.Join(home, ".dbt")
}

// PackagesFile is packages.yml.
type PackagesFile struct {
	Packages []PackageSpec `yaml:"packages"`
}

// PackageSpec is one packages.yml entry.
type PackageSpec struct {
	Package  string `yaml:"package,omitempty"`
	Version  string `yaml:"version,omitempty"`
	Git      string `yaml:"git,omitempty"`
	Revision string `yaml:"revision,omitempty"`
	Local    string `yaml:"local,omitempty"`
}

// ParsePackageRef splits "dbt-labs/dbt_utils@1.1.1" into name and version.
func ParsePackageRef(ref string) (PackageSpec, error) {
	i := strings.LastIndex(ref, "@")
	if i <= 0 || i == len(ref)-1 {
		return PackageSpec{}, fmt.Errorf("%w: package %q must be in the form name@version", ErrInvalidArgument, ref)
	}
	return PackageSpec{Package: strings.TrimSpace(ref[:i]), Version: strings.TrimSpace(ref[i+1:])}, nil
}

// UpsertPackages adds refs to <root>/packages.yml, replacing the version of
// packages already listed. The file is created when missing.
func UpsertPackages(root string, refs []string) error {
	specs := make([]PackageSpec, 0, len(refs))
	for _, ref := range refs {
		spec, err := ParsePackageRef(ref)
		if err != nil {
			return err
		}
		specs = append(specs, spec)
	}

	path := filepath.Join(root, PackagesFileName)
	var pf PackagesFile
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("reading %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	for _, spec := range specs {
		replaced := false
		for i := range pf.Packages {
			if pf.Packages[i].Package == spec.Package {
				pf.Packages[i].Version = spec.Version
				replaced = true
				break
			}
		}
		if !replaced {
			pf.Packages = append(pf.Packages, spec)
		}
	}

	out, err := yaml.Marshal(&pf)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
