package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Site is one entry of the site catalog file.
type Site struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Location    []float64 `yaml:"location"`
}

type siteCatalogFile struct {
	Sites []Site `yaml:"sites"`
}

// LoadSiteCatalog reads a YAML document of the form `sites: [{id, name, description, location: [lon, lat]}]`.
func LoadSiteCatalog(path string) ([]Site, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read site catalog: %w", err)
	}
	var file siteCatalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse site catalog %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(file.Sites))
	for index := range file.Sites {
		site := &file.Sites[index]
		site.ID = strings.TrimSpace(site.ID)
		site.Name = strings.TrimSpace(site.Name)
		if site.ID == "" {
			return nil, fmt.Errorf("site catalog %s: entry %d has no id", path, index)
		}
		if _, duplicate := seen[site.ID]; duplicate {
			return nil, fmt.Errorf("site catalog %s: duplicate id %q", path, site.ID)
		}
		seen[site.ID] = struct{}{}
		if len(site.Location) != 0 && len(site.Location) != 2 {
			return nil, fmt.Errorf("site catalog %s: site %q location must be [lon, lat]", path, site.ID)
		}
	}
	return file.Sites, nil
}

// SiteNames maps site identifiers to display names.
func SiteNames(sites []Site) map[string]string {
	names := make(map[string]string, len(sites))
	for _, site := range sites {
		if site.Name != "" {
			names[site.ID] = site.Name
		}
	}
	return names
}
