package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes the desired logging configuration.
type Config struct {
	Level          string `yaml:"level" envconfig:"LEVEL"`
	Format         string `yaml:"format" envconfig:"FORMAT"`
	FilePath       string `yaml:"filePath" envconfig:"FILE_PATH"`
	FileMaxSizeMB  int    `yaml:"fileMaxSizeMB" envconfig:"FILE_MAX_SIZE_MB"`
	FileMaxFiles   int    `yaml:"fileMaxFiles" envconfig:"FILE_MAX_FILES"`
	FileMaxAgeDays int    `yaml:"fileMaxAgeDays" envconfig:"FILE_MAX_AGE_DAYS"`
}

// New builds the process logger. The returned closer releases the rotating
// file writer, if one was configured.
func New(cfg Config) (*logrus.Logger, io.Closer) {
	log := logrus.New()
	log.SetLevel(parseLevel(cfg.Level))

	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	writer, closer := buildWriter(cfg)
	log.SetOutput(writer)
	return log, closer
}

func buildWriter(cfg Config) (io.Writer, io.Closer) {
	if cfg.FilePath == "" {
		return os.Stdout, nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    orDefault(cfg.FileMaxSizeMB, 100),
		MaxBackups: orDefault(cfg.FileMaxFiles, 5),
		MaxAge:     orDefault(cfg.FileMaxAgeDays, 30),
		Compress:   true,
	}
	// stdout tetap dapat log
	return io.MultiWriter(os.Stdout, lj), lj
}

func parseLevel(s string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(s))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
