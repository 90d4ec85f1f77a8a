package main

import (
	"github.com/twdamhore/serabut/app"
	"github.com/twdamhore/serabut/config"
	"github.com/z46-dev/go-logger"
)

var log *logger.Logger

func init() {
	log = logger.NewLogger().SetPrefix("[MAIN]", logger.BoldPurple)

	var err error
	if err = config.Init("config.toml"); err != nil {
		log.Errorf("Failed to initialize configuration: %v\n", err)
		panic(err)
	}
}

func main() {
	var err error

	if err = app.StartApp(); err != nil {
		log.Errorf("Failed to run web server: %v\n", err)
		panic(err)
	}
}
