package server

import (
	"fmt"

	"github.com/deep-blue/dcms-edge/internal/config"
	"github.com/deep-blue/dcms-edge/internal/strategy"
)

func strategyForSite(site config.SiteConfig) (strategy.Metadata, error) {
	if meta, ok := strategy.Resolve(site.Strategy); ok {
		return meta, nil
	}
	return strategy.Metadata{}, fmt.Errorf("strategy %s is not registered", site.Strategy)
}
