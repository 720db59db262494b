package toolchain

import "codesync/models"

// DefaultRecipes returns the built-in recipe table
func DefaultRecipes() []Recipe {
	return []Recipe{
		{
			Language:       models.LanguagePython,
			Name:           "CPython",
			SourceFile:     "main.py",
			Run:            []string{"python3", "-u", PlaceholderSource},
			Env:            []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONIOENCODING=utf-8"},
			SupportsStdin:  true,
			Image:          "python:3.12-alpine",
			VersionCommand: []string{"python3", "--version"},
			MinVersion:     "3.8.0",
		},
		{
			Language:              models.LanguageJavaScript,
			Name:                  "Node.js",
			SourceFile:            "main.js",
			Run:                   []string{"node", "--require", PlaceholderWorkdir + "/" + ShimPreludeFile, PlaceholderSource},
			SupportsStdin:         false,
			Shim:                  ShimJavaScript,
			Image:                 "node:22-alpine",
			VersionCommand:        []string{"node", "--version"},
			MinVersion:            "16.0.0",
			UnboundedAddressSpace: true,
		},
		{
			Language:       models.LanguageCpp,
			Name:           "GNU C++",
			SourceFile:     "main.cpp",
			Build:          []string{"g++", "-std=c++17", "-O2", "-pipe", "-o", PlaceholderBinary, PlaceholderSource},
			Run:            []string{PlaceholderBinary},
			SupportsStdin:  true,
			Image:          "gcc:13",
			VersionCommand: []string{"g++", "-dumpfullversion"},
			MinVersion:     "7.0.0",
		},
		{
			Language:       models.LanguageC,
			Name:           "GNU C",
			SourceFile:     "main.c",
			Build:          []string{"gcc", "-std=c11", "-O2", "-pipe", "-o", PlaceholderBinary, PlaceholderSource, "-lm"},
			Run:            []string{PlaceholderBinary},
			SupportsStdin:  true,
			Image:          "gcc:13",
			VersionCommand: []string{"gcc", "-dumpfullversion"},
			MinVersion:     "7.0.0",
		},
		{
			Language:   models.LanguageGo,
			Name:       "Go",
			SourceFile: "main.go",
			Build:      []string{"go", "build", "-o", PlaceholderBinary, PlaceholderSource},
			Run:        []string{PlaceholderBinary},
			Env: []string{
				"GOCACHE=" + PlaceholderWorkdir + "/.gocache",
				"GOPATH=" + PlaceholderWorkdir + "/.gopath",
				"GO111MODULE=off",
				"CGO_ENABLED=0",
			},
			SupportsStdin:         true,
			Image:                 "golang:1.22-alpine",
			VersionCommand:        []string{"go", "version"},
			MinVersion:            "1.18.0",
			UnboundedAddressSpace: true,
		},
		{
			Language:              models.LanguageJava,
			Name:                  "OpenJDK",
			SourceFile:            "Main.java",
			Build:                 []string{"javac", "-d", PlaceholderWorkdir, PlaceholderSource},
			Run:                   []string{"java", "-Xss16m", "-cp", PlaceholderWorkdir, "Main"},
			SupportsStdin:         true,
			Image:                 "eclipse-temurin:21-jdk-alpine",
			VersionCommand:        []string{"javac", "-version"},
			MinVersion:            "11.0.0",
			UnboundedAddressSpace: true,
		},
		{
			Language:   models.LanguageRust,
			Name:       "rustc",
			SourceFile: "main.rs",
			Build:      []string{"rustc", "-O", "-o", PlaceholderBinary, PlaceholderSource},
			Run:        []string{PlaceholderBinary},
			// rustup shims locate their toolchain through these, not through HOME
			PassEnv:        []string{"RUSTUP_HOME=~/.rustup", "CARGO_HOME=~/.cargo", "RUSTUP_TOOLCHAIN"},
			SupportsStdin:  true,
			Image:          "rust:1-slim",
			VersionCommand: []string{"rustc", "--version"},
			MinVersion:     "1.60.0",
		},
		{
			Language:       models.LanguageBash,
			Name:           "Bash",
			SourceFile:     "main.sh",
			Run:            []string{"bash", PlaceholderSource},
			SupportsStdin:  true,
			Image:          "bash:5",
			VersionCommand: []string{"bash", "--version"},
			MinVersion:     "4.0.0",
		},
	}
}
