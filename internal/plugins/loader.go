package plugins

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// Source is one manifest document, normalized to JSON.
type Source struct {
	Path    string
	Dir     string
	Data    []byte
	Bundled bool
}

// Loader finds installed plugin manifests in its search paths. Each plugin
// is a directory holding configuration.json or plugin.yaml.
type Loader struct {
	searchPaths []string
}

func NewLoader(searchPaths []string) *Loader {
	return &Loader{searchPaths: searchPaths}
}

// Discover returns every readable manifest. A directory that cannot be read
// yields a ManifestError and does not stop discovery.
func (l *Loader) Discover() ([]Source, []error) {
	var sources []Source
	var errs []error

	for _, searchPath := range l.searchPaths {
		entries, err := os.ReadDir(searchPath)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, &types.ManifestError{Path: searchPath, Err: err})
			continue
		}

		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(searchPath, entry.Name())
			src, err := l.read(dir)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			sources = append(sources, src)
		}
	}

	return sources, errs
}

func (l *Loader) read(dir string) (Source, error) {
	jsonPath := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(jsonPath)
	if err == nil {
		return Source{Path: jsonPath, Dir: dir, Data: data}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Source{}, &types.ManifestError{Path: jsonPath, Err: err}
	}

	yamlPath := filepath.Join(dir, ManifestFileYAML)
	data, err = os.ReadFile(yamlPath)
	if errors.Is(err, os.ErrNotExist) {
		return Source{}, &types.ManifestError{Path: dir, Err: fmt.Errorf("no %s or %s", ManifestFile, ManifestFileYAML)}
	}
	if err != nil {
		return Source{}, &types.ManifestError{Path: yamlPath, Err: err}
	}

	converted, err := yamlToJSON(data)
	if err != nil {
		return Source{}, &types.ManifestError{Path: yamlPath, Err: err}
	}
	return Source{Path: yamlPath, Dir: dir, Data: converted}, nil
}
