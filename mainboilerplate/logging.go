package mainboilerplate

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
	Output string `long:"output" env:"OUTPUT" default:"stderr" choice:"stderr" choice:"stdout" description:"Logging output stream"`
}

// Apply the LogConfig to the Logger.
func (cfg LogConfig) Apply(logger *log.Logger) error {
	switch cfg.Format {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&log.TextFormatter{})
	case "color":
		logger.SetFormatter(&log.TextFormatter{ForceColors: true})
	default:
		return errors.Errorf("unrecognized log format %q", cfg.Format)
	}

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr", "":
		logger.SetOutput(os.Stderr)
	default:
		return errors.Errorf("unrecognized log output %q", cfg.Output)
	}

	if cfg.Level == "" {
		return nil
	} else if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		return errors.WithMessage(err, "parsing log level")
	} else {
		logger.SetLevel(lvl)
	}
	return nil
}

// InitLog configures the standard logger.
func InitLog(cfg LogConfig) {
	if err := cfg.Apply(log.StandardLogger()); err != nil {
		log.WithField("err", err).Fatal("invalid log configuration")
	}
}
