package toolchain

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"codesync/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	tests := []struct {
		lang string
		want models.ProgrammingLanguage
		ok   bool
	}{
		{"python", models.LanguagePython, true},
		{"javascript", models.LanguageJavaScript, true},
		{"clike", models.LanguageCpp, true},
		{"C++", models.LanguageCpp, true},
		{"java", models.LanguageJava, true},
		{"brainfuck", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		recipe, ok := r.Resolve(tt.lang)
		assert.Equal(t, tt.ok, ok, tt.lang)
		assert.Equal(t, tt.want, recipe.Language, tt.lang)
	}
}

func TestDefaultRecipesAreValid(t *testing.T) {
	t.Parallel()

	r := NewEmptyRegistry()
	for _, recipe := range DefaultRecipes() {
		assert.NoError(t, r.Register(recipe), recipe.Language)
		assert.NotEmpty(t, recipe.Image, recipe.Language)
	}

	langs := r.Languages()
	assert.True(t, len(langs) >= 8)
	for i := 1; i < len(langs); i++ {
		assert.True(t, langs[i-1] < langs[i])
	}
}

func TestRegisterRejectsIncompleteRecipes(t *testing.T) {
	t.Parallel()

	r := NewEmptyRegistry()
	assert.Error(t, r.Register(Recipe{}))
	assert.Error(t, r.Register(Recipe{Language: "x", SourceFile: "x"}))
	assert.Error(t, r.Register(Recipe{Language: "x", Run: []string{"x"}}))
	assert.Error(t, r.Register(Recipe{Language: "x", SourceFile: "x", Run: []string{"x"}}))
	assert.NoError(t, r.Register(Recipe{Language: "x", SourceFile: "x", Run: []string{"x"}, SupportsStdin: true}))

	recipe, ok := r.Resolve("x")
	require.True(t, ok)
	assert.Equal(t, models.ProgrammingLanguage("x"), recipe.Language)
}

func TestCommandExpansion(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	cpp, ok := r.Resolve("cpp")
	require.True(t, ok)
	assert.True(t, cpp.HasBuild())
	assert.Equal(t,
		[]string{"g++", "-std=c++17", "-O2", "-pipe", "-o", "/w/main.out", "/w/main.cpp"},
		cpp.BuildCommand("/w", "1"),
	)
	assert.Equal(t, []string{"/w/main.out"}, cpp.RunCommand("/w", "1"))

	py, ok := r.Resolve("python")
	require.True(t, ok)
	assert.False(t, py.HasBuild())
	assert.Nil(t, py.BuildCommand("/w", "1"))
	assert.Equal(t, []string{"python3", "-u", "/w/main.py"}, py.RunCommand("/w", "1"))

	goRecipe, ok := r.Resolve("go")
	require.True(t, ok)
	assert.Contains(t, goRecipe.Environment("/w"), "GOCACHE=/w/.gocache")

	// request ids with shell metacharacters stay inside one argument
	custom := Recipe{Language: "x", SourceFile: "prog_{id}.txt", Run: []string{"cat", PlaceholderSource}, SupportsStdin: true}
	argv := custom.RunCommand("/w", "a b;rm -rf /")
	assert.Len(t, argv, 2)
	assert.Equal(t, "/w/prog_a b;rm -rf /.txt", argv[1])
}

func TestPrepareInputsNativeStdin(t *testing.T) {
	t.Parallel()

	py, _ := NewRegistry().Resolve("python")

	files, err := py.PrepareInputs("print(input())", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, "print(input())", files.Source)
	assert.Equal(t, "a\nb\nc\n", string(files.Stdin))
	assert.Nil(t, files.Inputs)

	files, err = py.PrepareInputs("print(1)", nil)
	require.NoError(t, err)
	assert.Nil(t, files.Stdin)
}

func TestEnvironmentForwardsToolchainHomes(t *testing.T) {
	t.Parallel()

	rust, ok := NewRegistry().Resolve("rust")
	require.True(t, ok)

	home := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(home, ".rustup"), 0o755))

	tests := []struct {
		name    string
		env     map[string]string
		want    []string
		notWant []string
	}{
		{
			name: "explicit values win",
			env:  map[string]string{"RUSTUP_HOME": "/opt/rustup", "CARGO_HOME": "/opt/cargo", "RUSTUP_TOOLCHAIN": "stable"},
			want: []string{"RUSTUP_HOME=/opt/rustup", "CARGO_HOME=/opt/cargo", "RUSTUP_TOOLCHAIN=stable"},
		},
		{
			name:    "home fallback only for existing dirs",
			env:     map[string]string{},
			want:    []string{"RUSTUP_HOME=" + filepath.Join(home, ".rustup")},
			notWant: []string{"CARGO_HOME=" + filepath.Join(home, ".cargo")},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := rust.environment("/w",
				func(k string) (string, bool) {
					v, ok := tt.env[k]
					return v, ok
				},
				func() (string, error) { return home, nil },
			)
			for _, w := range tt.want {
				assert.Contains(t, env, w)
			}
			for _, w := range tt.notWant {
				assert.NotContains(t, env, w)
			}
		})
	}

	// recipes without PassEnv never see the service environment
	py, _ := NewRegistry().Resolve("python")
	env := py.environment("/w", func(string) (string, bool) { return "leak", true }, func() (string, error) { return home, nil })
	for _, e := range env {
		assert.NotContains(t, e, "leak")
	}
}

func TestPrepareInputsShim(t *testing.T) {
	t.Parallel()

	js, _ := NewRegistry().Resolve("javascript")

	files, err := js.PrepareInputs("console.log(prompt())", []string{"a", "b"})
	require.NoError(t, err)
	assert.Nil(t, files.Stdin)

	// the source is never rewritten so shebangs and directives keep working
	assert.Equal(t, "console.log(prompt())", files.Source)
	assert.Contains(t, string(files.Prelude), ShimInputsFile)
	assert.Contains(t, js.RunCommand("/w", "r1"), "/w/"+ShimPreludeFile)

	var values []string
	require.NoError(t, json.Unmarshal(files.Inputs, &values))
	assert.Equal(t, []string{"a", "b"}, values)

	source := "#!/usr/bin/env node\n'use strict';\nconsole.log(prompt())"
	files, err = js.PrepareInputs(source, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, source, files.Source)

	files, err = js.PrepareInputs("1", nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(files.Inputs))
}

func TestParseVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		output string
		want   string
	}{
		{"Python 3.11.4", "3.11.4"},
		{"v20.10.0", "20.10.0"},
		{"go version go1.21.5 linux/amd64", "1.21.5"},
		{"javac 17.0.9", "17.0.9"},
		{"12.2", "12.2.0"},
	}

	for _, tt := range tests {
		v, err := ParseVersion(tt.output)
		require.NoError(t, err, tt.output)
		assert.Equal(t, tt.want, v.String())
	}

	_, err := ParseVersion("no digits here")
	assert.Error(t, err)
}

func TestProbe(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not installed")
	}

	ok := Probe(context.Background(), Recipe{
		Language:       "fake",
		VersionCommand: []string{"sh", "-c", "echo fake 2.5.1"},
		MinVersion:     "2.0.0",
	})
	assert.True(t, ok.Available)
	assert.True(t, ok.Satisfied)
	assert.Equal(t, "2.5.1", ok.Version)

	old := Probe(context.Background(), Recipe{
		Language:       "fake",
		VersionCommand: []string{"sh", "-c", "echo fake 1.0"},
		MinVersion:     "2.0.0",
	})
	assert.True(t, old.Available)
	assert.False(t, old.Satisfied)

	missing := ProbeAll(context.Background(), []Recipe{{
		Language:       "missing",
		VersionCommand: []string{"codesync-missing-binary", "--version"},
	}})
	require.Len(t, missing, 1)
	assert.False(t, missing[0].Available)
	assert.NotEmpty(t, missing[0].Error)
}
