// Package autoload initialises the global logger from LOG_* environment
// variables when imported for side effects. Logs go to stderr so stdout stays
// free for program output.
package autoload

import (
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"

	logx "github.com/tanpawarit/pharmacy-assistant/pkg/logger"
)

func init() {
	var conf logx.Config
	if err := envconfig.Process("LOG", &conf); err != nil {
		logx.InitWriter(os.Stderr)
		log.Warn().Err(err).Msg("invalid LOG_* settings, falling back to defaults")
		return
	}
	logx.InitWriter(os.Stderr, conf)
}
