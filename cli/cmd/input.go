package cmd

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"codesync/models"

	"golang.org/x/xerrors"
)

// extensionLanguages guesses the language of a source file when --lang is not passed
var extensionLanguages = map[string]models.ProgrammingLanguage{
	".js":   models.LanguageJavaScript,
	".mjs":  models.LanguageJavaScript,
	".py":   models.LanguagePython,
	".cpp":  models.LanguageCpp,
	".cc":   models.LanguageCpp,
	".cxx":  models.LanguageCpp,
	".c":    models.LanguageC,
	".go":   models.LanguageGo,
	".java": models.LanguageJava,
	".rs":   models.LanguageRust,
	".sh":   models.LanguageBash,
}

// parseInputs
//
//	Converts repeated --input flags into program inputs. A flag of the form
//	label=value names the field, a bare value gets a positional label.
func parseInputs(raw []string, multiline bool) []models.Input {
	inputs := make([]models.Input, 0, len(raw))
	for i, r := range raw {
		label, value, found := strings.Cut(r, "=")
		if !found {
			label = "input " + strconv.Itoa(i+1)
			value = r
		}

		kind := models.InputKindText
		if multiline || strings.Contains(value, "\n") {
			kind = models.InputKindMultiline
		}

		inputs = append(inputs, models.Input{
			Label: label,
			Value: value,
			Kind:  kind,
		})
	}
	return inputs
}

// loadSource reads the source file and resolves its language
func loadSource(path, lang string) (string, string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return "", "", xerrors.Errorf("failed to read source file: %w", err)
	}

	if len(lang) > 0 {
		return string(buf), lang, nil
	}

	guess, ok := extensionLanguages[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return "", "", xerrors.Errorf("cannot infer the language of %q, pass --lang", path)
	}
	return string(buf), guess.String(), nil
}
