package main

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/xyproto/env/v2"
)

// setenv sets an environment variable for the duration of a test. The env
// package caches the environment, so it is reloaded after every change.
func setenv(t *testing.T, name, value string) {
	t.Helper()
	t.Cleanup(env.Load)
	t.Setenv(name, value)
	env.Load()
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"PYFREEZE_PYTHON", "PYFREEZE_PYTHON_WASM", "PYFREEZE_BUILD_BASE", "PYFREEZE_OPTIMIZE"} {
		setenv(t, name, "")
		os.Unsetenv(name)
	}
	env.Load()
}

func TestApplyDefaults(t *testing.T) {
	cfg := &ProjectConfig{Dir: filepath.Join("projects", "asteroids")}
	cfg.ApplyDefaults()

	if cfg.Name != "asteroids" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.BuildBase != "build" || cfg.Deps != "wheels" || cfg.Python != "python3" {
		t.Errorf("BuildBase = %q, Deps = %q, Python = %q", cfg.BuildBase, cfg.Deps, cfg.Python)
	}
	if !slices.Equal(cfg.Platforms, []string{HostPlatformTag()}) {
		t.Errorf("Platforms = %v", cfg.Platforms)
	}
	if !*cfg.EmbedPRCData || *cfg.DefaultPRCDir != "" || *cfg.Optimize != 2 {
		t.Errorf("EmbedPRCData = %v, DefaultPRCDir = %q, Optimize = %d", *cfg.EmbedPRCData, *cfg.DefaultPRCDir, *cfg.Optimize)
	}
	if len(cfg.ExcludeDependencies) != len(DefaultExcludeDependencies) {
		t.Errorf("default dependency exclusions not applied")
	}

	embed := false
	cfg = &ProjectConfig{EmbedPRCData: &embed, ExcludeDependencies: []string{"libfoo.so"}}
	cfg.ApplyDefaults()
	if *cfg.DefaultPRCDir != "<auto>etc" {
		t.Errorf("DefaultPRCDir = %q, want <auto>etc when PRC data is not embedded", *cfg.DefaultPRCDir)
	}
	if !slices.Equal(cfg.ExcludeDependencies, []string{"libfoo.so"}) {
		t.Errorf("user exclusions should replace the defaults, got %v", cfg.ExcludeDependencies)
	}
}

func TestApplyEnv(t *testing.T) {
	clearConfigEnv(t)
	setenv(t, "PYFREEZE_OPTIMIZE", "1")
	setenv(t, "PYFREEZE_BUILD_BASE", "out")

	cfg := &ProjectConfig{}
	cfg.ApplyDefaults()
	cfg.ApplyEnv()
	if *cfg.Optimize != 1 {
		t.Errorf("Optimize = %d, want 1", *cfg.Optimize)
	}
	if cfg.BuildBase != "out" {
		t.Errorf("BuildBase = %q, want out", cfg.BuildBase)
	}
	if cfg.Python != "python3" {
		t.Errorf("Python = %q, want the default", cfg.Python)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *ProjectConfig {
		cfg := &ProjectConfig{
			GUIApps:   map[string]string{"game": "main.py"},
			Platforms: []string{"manylinux2014_x86_64", "win_amd64"},
		}
		cfg.ApplyDefaults()
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		modify func(*ProjectConfig)
		want   string
	}{
		{"no apps", func(c *ProjectConfig) { c.GUIApps = nil }, "no gui_apps or console_apps"},
		{"both kinds", func(c *ProjectConfig) { c.ConsoleApps = map[string]string{"game": "cli.py"} }, "both a gui and a console app"},
		{"bad platform", func(c *ProjectConfig) { c.Platforms = []string{"amiga_68k"} }, "unrecognized platform tag"},
		{"bad optimize", func(c *ProjectConfig) { o := 3; c.Optimize = &o }, "optimize must be between"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want an error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadProjectConfig(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		ProjectFile: `{
  "name": "Asteroids",
  "gui_apps": {"asteroids": "main.py"},
  "console_apps": {"server": "server.py"},
  "platforms": ["manylinux2014_x86_64"],
  "include_modules": {"*": ["json"], "server": ["sqlite3"]},
  "log_filename": "$USER_APPDATA/Asteroids/output.log"
}`,
	})

	cfg, err := LoadProjectConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "Asteroids" || cfg.Dir == "" || !filepath.IsAbs(cfg.Dir) {
		t.Errorf("Name = %q, Dir = %q", cfg.Name, cfg.Dir)
	}
	apps := cfg.Apps()
	if len(apps) != 2 || apps[0].Name != "asteroids" || apps[0].Console || apps[1].Name != "server" || !apps[1].Console {
		t.Errorf("Apps = %+v", apps)
	}
	if got := ModulesFor(cfg.IncludeModules, "server"); !slices.Equal(got, []string{"sqlite3", "json"}) {
		t.Errorf("ModulesFor(server) = %v", got)
	}
	if got := ModulesFor(cfg.IncludeModules, "asteroids"); !slices.Equal(got, []string{"json"}) {
		t.Errorf("ModulesFor(asteroids) = %v", got)
	}
	if got := cfg.BuildDir("win_amd64"); got != filepath.Join(cfg.Dir, "build", "win_amd64") {
		t.Errorf("BuildDir = %q", got)
	}
	if !strings.Contains(cfg.String(), "console app server: server.py") {
		t.Errorf("String() = %q", cfg.String())
	}
}

func TestLoadProjectConfigMissing(t *testing.T) {
	_, err := LoadProjectConfig(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, ErrInputMissing) {
		t.Errorf("expected an input-missing error, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	cfg := &ProjectConfig{Dir: filepath.FromSlash("/srv/game")}
	tests := map[string]string{
		"":                          "",
		"wheels":                    filepath.Join(cfg.Dir, "wheels"),
		"git+https://example.com/d": "git+https://example.com/d",
	}
	for in, want := range tests {
		if got := cfg.Resolve(in); got != want {
			t.Errorf("Resolve(%q) = %q, want %q", in, got, want)
		}
	}
}
