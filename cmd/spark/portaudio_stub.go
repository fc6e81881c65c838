//go:build !portaudio

package main

import (
	"log/slog"

	"github.com/MrWong99/spark/internal/config"
)

func registerPortAudio(*config.Registry, config.AudioConfig) {
	slog.Debug("portaudio devices unavailable, rebuild with -tags portaudio")
}
