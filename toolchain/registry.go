package toolchain

import (
	"sync"

	"codesync/models"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"
)

// Registry
//
//	Lookup table from language to recipe. Recipes are registered while
//	the service is wired together and only read afterwards.
type Registry struct {
	mu      sync.RWMutex
	recipes map[models.ProgrammingLanguage]Recipe
}

// NewRegistry creates a registry preloaded with DefaultRecipes
func NewRegistry() *Registry {
	r := NewEmptyRegistry()
	for _, recipe := range DefaultRecipes() {
		// defaults are always valid
		_ = r.Register(recipe)
	}
	return r
}

// NewEmptyRegistry creates a registry with no recipes
func NewEmptyRegistry() *Registry {
	return &Registry{
		recipes: make(map[models.ProgrammingLanguage]Recipe),
	}
}

// Register
//
//	Adds or replaces the recipe for its language.
func (r *Registry) Register(recipe Recipe) error {
	if len(recipe.Language) == 0 {
		return xerrors.New("recipe has no language")
	}
	if len(recipe.Run) == 0 {
		return xerrors.Errorf("recipe for %s has no run command", recipe.Language)
	}
	if len(recipe.SourceFile) == 0 {
		return xerrors.Errorf("recipe for %s has no source file", recipe.Language)
	}
	if !recipe.SupportsStdin && recipe.Shim == ShimNone {
		return xerrors.Errorf("recipe for %s accepts no stdin and has no input shim", recipe.Language)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.recipes[recipe.Language] = recipe
	return nil
}

// Resolve
//
//	Returns the recipe for a client supplied language name. Aliases are
//	honoured; the second return is false for unknown languages.
func (r *Registry) Resolve(lang string) (Recipe, bool) {
	id, ok := models.ParseLanguage(lang)
	if !ok {
		id = models.ProgrammingLanguage(lang)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	recipe, ok := r.recipes[id]
	return recipe, ok
}

// Languages returns the served languages in sorted order
func (r *Registry) Languages() []models.ProgrammingLanguage {
	r.mu.RLock()
	langs := maps.Keys(r.recipes)
	r.mu.RUnlock()

	slices.Sort(langs)
	return langs
}

// Recipes returns every recipe ordered by language
func (r *Registry) Recipes() []Recipe {
	langs := r.Languages()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Recipe, 0, len(langs))
	for _, l := range langs {
		if recipe, ok := r.recipes[l]; ok {
			out = append(out, recipe)
		}
	}
	return out
}
