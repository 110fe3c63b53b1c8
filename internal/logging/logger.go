package logging

import (
	"os"

	"github.com/charmbracelet/log"
)

// New 创建结构化日志器，DEBUG=1 时开启调试级别并报告调用位置。
func New() *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "landrop",
		ReportTimestamp: true,
	})

	if os.Getenv("DEBUG") == "1" {
		logger.SetLevel(log.DebugLevel)
		logger.SetReportCaller(true)
	}

	return logger
}
