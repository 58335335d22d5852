package locator

import (
	"errors"
	"fmt"
	"os"

	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"
)

// File is the on-disk locator override format.
//
//	preset: doubao
//	prepend:
//	  textEntries: ['textarea#composer']
//	override:
//	  sendTriggers: ['button.primary-send']
type File struct {
	Preset   string `yaml:"preset"`
	URL      string `yaml:"url,omitempty"`
	Override Set    `yaml:"override,omitempty"`
	Prepend  Set    `yaml:"prepend,omitempty"`
}

// Resolve turns the file into a concrete site. An empty preset falls back
// to fallback.
func (f File) Resolve(fallback string) (Site, error) {
	name := f.Preset
	if name == "" {
		name = fallback
	}
	site, err := Preset(name)
	if err != nil {
		return Site{}, err
	}
	site.Locators = site.Locators.Merge(f.Override, f.Prepend)
	if f.URL != "" {
		site.URL = f.URL
	}
	if err := site.Locators.Validate(); err != nil {
		return Site{}, err
	}
	return site, nil
}

// Load resolves the preset and applies the override file at path, if any.
// A missing file is not an error.
func Load(preset, path string) (Site, error) {
	if path == "" {
		return File{}.Resolve(preset)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}.Resolve(preset)
		}
		return Site{}, fmt.Errorf("read locator file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Site{}, fmt.Errorf("parse locator file %s: %w", path, err)
	}
	return f.Resolve(preset)
}

// Marshal renders the set as YAML, in the override-file format.
func Marshal(site Site) ([]byte, error) {
	return yaml.Marshal(File{Preset: site.Name, URL: site.URL, Override: site.Locators})
}

// Validate checks that every selector parses and that the lists the
// pipeline cannot work without are present.
func (s Set) Validate() error {
	var errs []error
	if len(s.TextEntries) == 0 {
		errs = append(errs, errors.New("locators: textEntries must not be empty"))
	}
	if len(s.ReplyMessages) == 0 {
		errs = append(errs, errors.New("locators: replyMessages must not be empty"))
	}
	for _, name := range ListNames() {
		for _, sel := range s.Lists()[name] {
			if _, err := cascadia.ParseGroup(sel); err != nil {
				errs = append(errs, fmt.Errorf("locators: %s: invalid selector %q: %w", name, sel, err))
			}
		}
	}
	return errors.Join(errs...)
}
