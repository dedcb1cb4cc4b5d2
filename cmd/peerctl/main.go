package main

import (
	"os"

	"duet/pkg/logger"
)

func main() {
	logger.Init()
	// the terminal belongs to the conversation unless asked otherwise
	if _, ok := os.LookupEnv("LOG_LEVEL"); !ok {
		logger.SetLevel(logger.WarnLevel)
	}
	Execute()
}
