package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"
)

func handler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, "Hello, World!")
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Str("component", "helloapp").
		Logger()

	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}

	http.HandleFunc("/", handler)

	logger.Info().Str("port", port).Msg("listening")
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}
