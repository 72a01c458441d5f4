// Package catalog loads stage templates and workflow definitions from YAML,
// validates their references, and serves them from a lock-free registry.
package catalog

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/pitabwire/steward/model"
	"gopkg.in/yaml.v3"
)

//go:embed defaults/*.yaml
var defaultsFS embed.FS

// Loader scans directories for YAML catalog files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new catalog Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadDefaults parses the catalog compiled into the binary. It defines every
// workflow the default determination rules can select.
func (l *Loader) LoadDefaults() ([]model.CatalogDefinition, error) {
	return l.LoadFS(defaultsFS, "defaults")
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a CatalogDefinition.
func (l *Loader) LoadAll(directories []string) ([]model.CatalogDefinition, error) {
	var defs []model.CatalogDefinition
	for _, dir := range directories {
		found, err := l.LoadFS(os.DirFS(dir), ".")
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
		for i := range found {
			found[i].SourceFile = path.Join(dir, found[i].SourceFile)
		}
		defs = append(defs, found...)
	}
	return defs, nil
}

// LoadFS walks root inside fsys and parses every YAML file it finds.
func (l *Loader) LoadFS(fsys fs.FS, root string) ([]model.CatalogDefinition, error) {
	var defs []model.CatalogDefinition
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(path.Ext(p))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}
		def, err := l.Parse(p, data)
		if err != nil {
			return err
		}
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return defs, nil
}

// LoadFile loads and parses a single YAML catalog file.
func (l *Loader) LoadFile(p string) (model.CatalogDefinition, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return model.CatalogDefinition{}, fmt.Errorf("reading %s: %w", p, err)
	}
	return l.Parse(p, data)
}

// Parse decodes catalog YAML, computing the checksum and recording source as
// the origin.
func (l *Loader) Parse(source string, data []byte) (model.CatalogDefinition, error) {
	var def model.CatalogDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.CatalogDefinition{}, fmt.Errorf("parsing %s: %w", source, err)
	}
	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	def.SourceFile = source
	return def, nil
}
