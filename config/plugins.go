package config

import (
	"encoding/hex"
	"fmt"

	"github.com/metaid/token_indexer/plugin"
	"go.uber.org/zap"
)

// ParseLokadID accepts 4 ASCII chars ("SLP\x00" style ids are given as
// 8 hex digits).
func ParseLokadID(s string) (plugin.LokadID, error) {
	var id plugin.LokadID
	switch len(s) {
	case 4:
		copy(id[:], s)
	case 8:
		b, err := hex.DecodeString(s)
		if err != nil {
			return id, fmt.Errorf("invalid lokad id %q: %w", s, err)
		}
		copy(id[:], b)
	default:
		return id, fmt.Errorf("invalid lokad id %q: want 4 chars or 8 hex digits", s)
	}
	return id, nil
}

// BuildPlugins loads one tagger per configured plugin. An empty list
// gives an empty context.
func (c *Config) BuildPlugins(logger *zap.Logger) (*plugin.Context, error) {
	plugins := make([]plugin.Plugin, 0, len(c.Plugins))
	for _, p := range c.Plugins {
		id, err := ParseLokadID(p.LokadID)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", p.Name, err)
		}
		plugins = append(plugins, plugin.NewTagger(p.Name, id))
	}
	return plugin.NewContext(logger, plugins...)
}
