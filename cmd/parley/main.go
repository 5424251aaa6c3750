package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/ewoodhouse/parley/internal/capture"
	"github.com/ewoodhouse/parley/internal/codec"
	"github.com/ewoodhouse/parley/internal/config"
	"github.com/ewoodhouse/parley/internal/llm"
	"github.com/ewoodhouse/parley/internal/playback"
	"github.com/ewoodhouse/parley/internal/recap"
	"github.com/ewoodhouse/parley/internal/server"
	"github.com/ewoodhouse/parley/internal/session"
	"github.com/ewoodhouse/parley/internal/transport"
)

func main() {
	log.Println("parley: starting")

	cfg, warnings, err := config.Load(os.Getenv(config.EnvPrefix + "CONFIG"))
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}

	if err := portaudio.Initialize(); err != nil {
		log.Fatalf("audio subsystem init failed: %v", err)
	}
	defer func() { _ = portaudio.Terminate() }()

	hub := server.NewHub()

	controller := session.NewController(session.Config{
		InputSampleRate:  cfg.InputSampleRate,
		OutputSampleRate: cfg.OutputSampleRate,
		ConnectTimeout:   cfg.ParsedConnectTimeout(),
		Transport: transport.Config{
			APIKey:          cfg.GeminiAPIKey,
			Model:           cfg.LiveModel,
			Voice:           cfg.Voice,
			InputSampleRate: cfg.InputSampleRate,
		},
	},
		session.CaptureFunc(func(sampleRate int, onFrame func(codec.Frame)) (session.CaptureHandle, error) {
			return capture.Open(sampleRate, onFrame)
		}),
		transport.GeminiDialer{},
		func(onIdle func()) (session.Playback, error) {
			dev, err := playback.OpenOutputDevice(cfg.OutputSampleRate, 1)
			if err != nil {
				return nil, err
			}
			return playback.NewScheduler(dev, onIdle), nil
		},
		hub,
	)

	recapper := buildRecapper(cfg)

	handler := server.Handler(hub, controller, recapper, server.Hooks{
		Warnings: func() []string { return warnings },
	})

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	log.Printf("parley: control API on http://%s", cfg.ListenAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("parley: shutting down")

	// End the live session before tearing down HTTP so the devices and the
	// remote connection are released cleanly.
	controller.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: http shutdown failed: %v", err)
	}
}

// buildRecapper wires the recap service when its provider key is present.
// Synthesis is optional on top of that; without a Deepgram key recaps are
// text-only.
func buildRecapper(cfg config.Config) server.Recapper {
	keyFor := func(provider string) string {
		switch provider {
		case "anthropic":
			return cfg.AnthropicAPIKey
		case "gemini":
			return cfg.GeminiAPIKey
		default:
			return cfg.OpenAIAPIKey
		}
	}

	// recap_model may carry a combined "provider/model" spec.
	provider, model := cfg.RecapProvider, cfg.RecapModel
	if p, m, ok := llm.ParseSpec(cfg.RecapModel); ok {
		provider, model = p, m
	}

	if keyFor(provider) == "" {
		return nil
	}

	factory := func(provider, model string) (llm.Client, error) {
		return llm.NewClient(provider, keyFor(provider), model)
	}

	var voice recap.Synthesizer
	if cfg.DeepgramAPIKey != "" {
		voice = recap.NewDeepgramVoice(cfg.DeepgramAPIKey, cfg.RecapVoice)
	}

	return recap.New(provider, model, factory, voice)
}
