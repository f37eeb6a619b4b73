package logger

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Init configures the standard logger. An unknown level falls back to info.
func Init(level string, json bool) {
	if json {
		log.SetFormatter(&log.JSONFormatter{
			PrettyPrint: true,
		})
	} else {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	}
	log.SetReportCaller(true)

	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("unknown log level, using info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)

	log.SetOutput(os.Stdout)
}
