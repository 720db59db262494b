package models

import "strings"

// ProgrammingLanguage
//
//	Canonical identifier of a language the execution service can build and run.
type ProgrammingLanguage string

const (
	LanguageJavaScript ProgrammingLanguage = "javascript"
	LanguagePython     ProgrammingLanguage = "python"
	LanguageCpp        ProgrammingLanguage = "cpp"
	LanguageC          ProgrammingLanguage = "c"
	LanguageGo         ProgrammingLanguage = "go"
	LanguageJava       ProgrammingLanguage = "java"
	LanguageRust       ProgrammingLanguage = "rust"
	LanguageBash       ProgrammingLanguage = "bash"
)

// languageAliases maps the names the editor front-end sends to the canonical id
var languageAliases = map[string]ProgrammingLanguage{
	"javascript": LanguageJavaScript,
	"js":         LanguageJavaScript,
	"node":       LanguageJavaScript,
	"nodejs":     LanguageJavaScript,
	"python":     LanguagePython,
	"python3":    LanguagePython,
	"py":         LanguagePython,
	"cpp":        LanguageCpp,
	"c++":        LanguageCpp,
	"clike":      LanguageCpp,
	"c":          LanguageC,
	"go":         LanguageGo,
	"golang":     LanguageGo,
	"java":       LanguageJava,
	"rust":       LanguageRust,
	"rs":         LanguageRust,
	"bash":       LanguageBash,
	"sh":         LanguageBash,
	"shell":      LanguageBash,
}

// ParseLanguage
//
//	Resolves a client supplied language name (case-insensitive, aliases
//	allowed) to its canonical identifier. The second return is false when
//	the name is not known.
func ParseLanguage(s string) (ProgrammingLanguage, bool) {
	l, ok := languageAliases[strings.ToLower(strings.TrimSpace(s))]
	return l, ok
}

func (l ProgrammingLanguage) String() string {
	return string(l)
}
