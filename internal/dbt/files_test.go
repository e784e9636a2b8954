package dbt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestReadProjectFile_Defaults(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ProjectFileName), "name: shop\n")

	pf, err := ReadProjectFile(root)
	require.NoError(t, err)
	assert.Equal(t, "shop", pf.Name)
	assert.Equal(t, "shop", pf.Profile)
	assert.Equal(t, []string{"models"}, pf.ModelPaths)
	assert.Equal(t, []string{"seeds"}, pf.SeedPaths)
	assert.Equal(t, []string{"macros"}, pf.MacroPaths)
	assert.Equal(t, "target", pf.TargetPath)
	assert.Equal(t, "dbt_packages", pf.PackagesInstallPath)
}

func TestReadProjectFile_SourcePathsFallback(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ProjectFileName), "name: old\nsource-paths: [sql]\n")

	pf, err := ReadProjectFile(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"sql"}, pf.ModelPaths)
}

func TestReadProjectFile_Missing(t *testing.T) {
	_, err := ReadProjectFile(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadProfile(t *testing.T) {
	root := newJaffle(t)

	p, err := ReadProfile(root, "jaffle")
	require.NoError(t, err)
	assert.Equal(t, "dev", p.Target)
	assert.Equal(t, []string{"dev", "prod"}, p.TargetNames())
	assert.Equal(t, "duckdb", p.Outputs["dev"].Type)

	_, err = ReadProfile(root, "other")
	assert.ErrorContains(t, err, `profile "other" not found`)
}

func TestResolveProfilesDir(t *testing.T) {
	root := newJaffle(t)

	t.Setenv("DBT_PROFILES_DIR", "")
	assert.Equal(t, "/explicit", ResolveProfilesDir("/explicit", root))
	assert.Equal(t, root, ResolveProfilesDir("", root))

	t.Setenv("DBT_PROFILES_DIR", "/from/env")
	assert.Equal(t, "/from/env", ResolveProfilesDir("", root))
}

func TestParsePackageRef(t *testing.T) {
	spec, err := ParsePackageRef("dbt-labs/dbt_utils@1.1.1")
	require.NoError(t, err)
	assert.Equal(t, PackageSpec{Package: "dbt-labs/dbt_utils", Version: "1.1.1"}, spec)

	for _, bad := range []string{"dbt_utils", "@1.0", "dbt_utils@"} {
		_, err := ParsePackageRef(bad)
		assert.ErrorIs(t, err, ErrInvalidArgument, bad)
	}
}

func TestUpsertPackages(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, PackagesFileName), `
packages:
  - package: dbt-labs/dbt_utils
    version: 1.0.0
  - git: https://github.com/org/pkg.git
    revision: main
`)

	require.NoError(t, UpsertPackages(root, []string{"dbt-labs/dbt_utils@1.1.1", "calogica/dbt_expectations@0.10.0"}))

	data, err := os.ReadFile(filepath.Join(root, PackagesFileName))
	require.NoError(t, err)
	var pf PackagesFile
	require.NoError(t, yaml.Unmarshal(data, &pf))

	require.Len(t, pf.Packages, 3)
	assert.Equal(t, "1.1.1", pf.Packages[0].Version)
	assert.Equal(t, "main", pf.Packages[1].Revision)
	assert.Equal(t, "calogica/dbt_expectations", pf.Packages[2].Package)
}

func TestUpsertPackages_CreatesFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, UpsertPackages(root, []string{"dbt-labs/codegen@0.12.1"}))
	_, err := os.Stat(filepath.Join(root, PackagesFileName))
	assert.NoError(t, err)
}

func TestUpsertPackages_BadRefWritesNothing(t *testing.T) {
	root := t.TempDir()
	err := UpsertPackages(root, []string{"ok@1", "broken"})
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, statErr := os.Stat(filepath.Join(root, PackagesFileName))
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}
