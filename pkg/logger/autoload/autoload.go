// Package autoload initializes the global zerolog logger from the LOG_*
// environment at import time. Import for side effects from main only.
package autoload

import (
	configx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/pkg/config"
	logx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/pkg/logger"
)

func init() {
	cfg := configx.MustNew[logx.Config]("LOG")
	logx.Init(*cfg)
}
