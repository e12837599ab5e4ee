package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/visibility-cli/internal/model"
)

// LoadTemplatesFromFile reads a YAML list of model.QueryTemplate from
// the given path.
func LoadTemplatesFromFile(path string) ([]model.QueryTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read template fixture")
	}

	var templates []model.QueryTemplate
	if err := yaml.Unmarshal(data, &templates); err != nil {
		return nil, eris.Wrapf(err, "registry: unmarshal template fixture %s", path)
	}

	return templates, nil
}

// LoadTemplatesFromDir reads every .yaml/.yml file in dir and merges the
// template lists. Files load in lexical order so results are stable.
func LoadTemplatesFromDir(dir string) ([]model.QueryTemplate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read fixture dir")
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return nil, eris.Errorf("registry: no template fixtures in %s", dir)
	}

	var all []model.QueryTemplate
	for _, p := range paths {
		templates, err := LoadTemplatesFromFile(p)
		if err != nil {
			return nil, err
		}
		all = append(all, templates...)
	}

	return all, nil
}
