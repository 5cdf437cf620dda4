package log

import (
	"log/slog"

	"github.com/lmittmann/tint"
)

const timeFormat = "060102 15:04:05.000"

func setupSLog(w *LogWriter) {
	logHandler := tint.NewHandler(w, &tint.Options{
		AddSource:  true,
		Level:      handlerLevel,
		TimeFormat: timeFormat,
		NoColor:    !w.IsTerminal(),
	})

	// Set as default logger.
	slog.SetDefault(slog.New(logHandler))
}
