package model

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/shibukawa/modeltest"
)

type modelConfig struct {
	Query       string        `yaml:"query"`
	DependsOn   []string      `yaml:"depends_on"`
	Columns     yaml.MapSlice `yaml:"columns"`
	Description string        `yaml:"description"`
}

// LoadModels reads a model definition file and returns a registry of SQL
// models, keyed by normalized name. Column declarations keep their file
// order.
func LoadModels(path string, defaultCatalog string, d modeltest.Dialect) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model definitions: %w", err)
	}

	var doc yaml.MapSlice
	if err := yaml.UnmarshalWithOptions(data, &doc, yaml.UseOrderedMap()); err != nil {
		return nil, fmt.Errorf("failed to parse model definitions: %w", err)
	}

	registry := make(Registry, len(doc))

	for _, item := range doc {
		name, ok := item.Key.(string)
		if !ok {
			return nil, fmt.Errorf("%w, model names must be strings", modeltest.ErrInvalidTestDocument)
		}

		encoded, err := yaml.Marshal(item.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to decode model '%s': %w", name, err)
		}

		var cfg modelConfig
		if err := yaml.UnmarshalWithOptions(encoded, &cfg, yaml.UseOrderedMap()); err != nil {
			return nil, fmt.Errorf("failed to decode model '%s': %w", name, err)
		}

		if cfg.Query == "" {
			return nil, fmt.Errorf("%w, model '%s' has no query", modeltest.ErrInvalidTestDocument, name)
		}

		normalized := modeltest.NormalizeModelName(name, defaultCatalog, d)

		options := []SQLModelOption{}

		if len(cfg.Columns) > 0 {
			columns := make([]ColumnType, 0, len(cfg.Columns))

			for _, col := range cfg.Columns {
				colName, ok := col.Key.(string)
				if !ok {
					return nil, fmt.Errorf("%w for model '%s'", modeltest.ErrInvalidColumns, name)
				}

				typeName, ok := col.Value.(string)
				if !ok {
					return nil, fmt.Errorf("%w for model '%s'", modeltest.ErrInvalidColumns, name)
				}

				columns = append(columns, ColumnType{
					Name: modeltest.NormalizeColumnName(colName, d),
					Type: typeName,
				})
			}

			options = append(options, WithColumns(columns))
		}

		if cfg.Description != "" {
			options = append(options, WithDescription(cfg.Description))
		}

		registry[normalized] = NewSQLModel(normalized, cfg.Query, d, cfg.DependsOn, options...)
	}

	return registry, nil
}
