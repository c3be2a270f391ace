// Package localization renders user-facing notification texts.
// Translations are JSON files named after their language code ("en.json").
// The defaults are embedded; an operator can point NewLocalizer at a
// directory to override them.
package localization

import (
	"crewlink/backend/internal/codec"
	"crewlink/backend/internal/models"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
)

const DefaultLanguage = "en"

//go:embed locales/*.json
var embedded embed.FS

// Localizer manages the translations for the application.
type Localizer struct {
	translations map[string]map[string]string
	mu           sync.RWMutex
}

// Default loads the embedded translations.
func Default() (*Localizer, error) {
	sub, err := fs.Sub(embedded, "locales")
	if err != nil {
		return nil, err
	}
	return load(sub)
}

// NewLocalizer loads every *.json file of the directory at path.
func NewLocalizer(path string) (*Localizer, error) {
	return load(os.DirFS(path))
}

func load(fsys fs.FS) (*Localizer, error) {
	l := &Localizer{
		translations: make(map[string]map[string]string),
	}

	files, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read localization directory: %w", err)
	}

	for _, file := range files {
		if file.IsDir() || path.Ext(file.Name()) != ".json" {
			continue
		}
		lang := strings.TrimSuffix(file.Name(), ".json")

		data, err := fs.ReadFile(fsys, file.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read localization file %s: %w", file.Name(), err)
		}
		var translations map[string]string
		if err := codec.Unmarshal(data, &translations); err != nil {
			return nil, fmt.Errorf("failed to parse localization file %s: %w", file.Name(), err)
		}
		l.translations[lang] = translations
	}

	if _, ok := l.translations[DefaultLanguage]; !ok {
		return nil, fmt.Errorf("localization: no %s.json", DefaultLanguage)
	}
	return l, nil
}

// GetString returns the string for key in lang, falling back to English and
// then to the key itself.
func (l *Localizer) GetString(lang, key string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if value, ok := l.translations[lang][key]; ok {
		return value
	}
	if value, ok := l.translations[DefaultLanguage][key]; ok {
		return value
	}
	return key
}

// Languages lists the loaded language codes.
func (l *Localizer) Languages() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.translations))
	for lang := range l.translations {
		out = append(out, lang)
	}
	return out
}

// Notification renders the text of a notification of type typ.
func (l *Localizer) Notification(lang string, typ models.NotificationType, actor, post string) string {
	tmpl := l.GetString(lang, "notification."+string(typ))
	return strings.NewReplacer("{actor}", actor, "{post}", post).Replace(tmpl)
}
