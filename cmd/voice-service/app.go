package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/embedcache"
	"github.com/book-expert/voice-service/internal/synthesis"
	"github.com/book-expert/voice-service/internal/tts"
	"github.com/book-expert/voice-service/internal/tts/text"
	"github.com/book-expert/voice-service/internal/tts/whisper"
	"github.com/book-expert/voice-service/internal/voice"
)

const (
	bootstrapLogFile = "voice-service-bootstrap.log"
	serviceLogFile   = "voice-service.log"
)

// app holds the components shared by every command.
type app struct {
	cfg          *config.Config
	log          *logger.Logger
	library      *voice.Library
	cache        *embedcache.Cache
	orchestrator *synthesis.Orchestrator
}

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

// loadConfig reads the file given by --config, or asks the configurator when none is given.
func loadConfig(path string, log *logger.Logger) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}

	return config.Load(log)
}

// newApp loads the configuration with a temporary logger, then opens the service log
// and builds the library, cache and orchestrator.
func newApp(configPath string) (*app, error) {
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = bootstrapLog.Close()
	}()

	cfg, err := loadConfig(configPath, bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return nil, err
	}

	application, err := build(cfg, finalLog)
	if err != nil {
		finalLog.Error("Failed to initialize: %v", err)
		_ = finalLog.Close()

		return nil, err
	}

	return application, nil
}

func build(cfg *config.Config, log *logger.Logger) (*app, error) {
	library, err := voice.NewLibrary(cfg.Library.Root, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open voice library: %w", err)
	}

	cache, err := embedcache.New(cfg.Library.Root, log, embedcache.Options{
		MemoryMaxEntries: cfg.Cache.MemoryMaxEntries,
		CompressionLevel: cfg.Cache.CompressionLevel,
		PreloadWorkers:   cfg.Cache.PreloadWorkers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding cache: %w", err)
	}

	deps := synthesis.Deps{
		Library:     library,
		Cache:       cache,
		Backend:     tts.NewHTTPBackend(cfg.Backend.URL, cfg.Backend.Timeout(), cfg.Backend.SampleRate),
		Transcriber: newTranscriber(cfg.Transcriber),
		Normalizer:  nil,
		Log:         log,
	}

	if cfg.Synthesis.NormalizeText {
		deps.Normalizer = text.NewPreprocessor(text.Options{
			ExpandAbbreviations: cfg.Synthesis.ExpandAbbreviations,
			SpellNumbers:        cfg.Synthesis.SpellNumbers,
		})
	}

	orchestrator, err := synthesis.New(deps, synthesis.Options{
		MinSpeed:       cfg.Synthesis.MinSpeed,
		MaxSpeed:       cfg.Synthesis.MaxSpeed,
		DefaultSpeed:   cfg.Synthesis.DefaultSpeed,
		MaxTextLength:  cfg.Synthesis.MaxTextLength,
		StreamPrefetch: cfg.Synthesis.StreamPrefetch,
		WarmupOnCreate: cfg.Synthesis.WarmupOnCreate,
		WarmupText:     cfg.Synthesis.WarmupText,
	})
	if err != nil {
		_ = cache.Close()

		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	return &app{
		cfg:          cfg,
		log:          log,
		library:      library,
		cache:        cache,
		orchestrator: orchestrator,
	}, nil
}

func newTranscriber(cfg config.TranscriberConfig) core.Transcriber {
	if !cfg.Enabled {
		return nil
	}

	return whisper.NewClient(whisper.Config{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		Language:   cfg.Language,
		Timeout:    cfg.Timeout(),
		MaxRetries: 0,
	})
}

func (a *app) Close() error {
	cacheErr := a.cache.Close()
	logErr := a.log.Close()

	return errors.Join(cacheErr, logErr)
}
