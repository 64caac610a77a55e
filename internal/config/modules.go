package config

import (
	_ "github.com/deep-blue/dcms-edge/internal/strategy/cachefirst"
	_ "github.com/deep-blue/dcms-edge/internal/strategy/networkfirst"
)
