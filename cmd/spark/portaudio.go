//go:build portaudio

package main

import (
	"github.com/MrWong99/spark/internal/config"
	"github.com/MrWong99/spark/pkg/audio"
	"github.com/MrWong99/spark/pkg/audio/portaudio"
)

// registerPortAudio adds the sound card devices. They are only available in
// builds with the "portaudio" tag.
func registerPortAudio(reg *config.Registry, ac config.AudioConfig) {
	reg.RegisterOutput("portaudio", func(config.ProviderEntry) (audio.Device, error) {
		return portaudio.NewOutput(orDefault(ac.OutputSampleRate, audio.OutputSampleRate), orDefault(ac.FrameSize, audio.FrameSize)), nil
	})
	reg.RegisterInput("portaudio", func(config.ProviderEntry) (audio.Source, error) {
		return portaudio.NewInput(ac.InputSampleRate, 0), nil
	})
}
