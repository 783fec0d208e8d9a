// Package translations holds the embedded workflow translation bundles.
// The validation task checks every registered workflow against the en-GB
// bundle.
package translations

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/text/language"
)

//go:embed locales/*.toml
var locales embed.FS

// DefaultLocale is the bundle every deployment ships.
const DefaultLocale = "en-GB"

// bundleFile is the TOML shape of one locale file.
type bundleFile struct {
	Workflow map[string]string `toml:"workflow"`
	Step     map[string]string `toml:"step"`
}

// Bundle resolves workflow and step names to their translations for one
// locale.
type Bundle struct {
	tag       language.Tag
	workflows map[string]string
	steps     map[string]string
}

// Available lists the embedded locales.
func Available() ([]string, error) {
	entries, err := fs.ReadDir(locales, "locales")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), path.Ext(e.Name())))
	}
	return out, nil
}

// Load returns the bundle best matching the preferred locales, falling
// back to en-GB.
func Load(preferred ...string) (*Bundle, error) {
	names, err := Available()
	if err != nil {
		return nil, err
	}
	tags := make([]language.Tag, 0, len(names))
	byTag := make(map[language.Tag]string, len(names))
	for _, name := range names {
		tag, err := language.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("locale %q: %w", name, err)
		}
		tags = append(tags, tag)
		byTag[tag] = name
	}

	chosen := language.MustParse(DefaultLocale)
	if len(preferred) > 0 {
		var want []language.Tag
		for _, p := range preferred {
			if tag, err := language.Parse(p); err == nil {
				want = append(want, tag)
			}
		}
		matcher := language.NewMatcher(tags)
		if _, idx, conf := matcher.Match(want...); conf > language.No {
			chosen = tags[idx]
		}
	}

	name, ok := byTag[chosen]
	if !ok {
		name = DefaultLocale
	}
	return loadFile(chosen, name)
}

func loadFile(tag language.Tag, name string) (*Bundle, error) {
	data, err := locales.ReadFile(path.Join("locales", name+".toml"))
	if err != nil {
		return nil, fmt.Errorf("locale %q: %w", name, err)
	}
	var file bundleFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("locale %q: %w", name, err)
	}
	return &Bundle{tag: tag, workflows: file.Workflow, steps: file.Step}, nil
}

// Tag returns the bundle's language tag.
func (b *Bundle) Tag() language.Tag { return b.tag }

// Workflow resolves a workflow name to its translation.
func (b *Bundle) Workflow(key string) (string, bool) {
	v, ok := b.workflows[key]
	return v, ok
}

// Step resolves a step name to its translation, falling back to the name
// itself.
func (b *Bundle) Step(key string) string {
	if v, ok := b.steps[key]; ok {
		return v
	}
	return key
}
