// Package app holds the wiring shared by the binaries under cmd/.
package app

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/suPer8Hu/legalfunnel/internal/ai"
	"github.com/suPer8Hu/legalfunnel/internal/config"
	"github.com/suPer8Hu/legalfunnel/internal/db"
	"github.com/suPer8Hu/legalfunnel/internal/email"
	"github.com/suPer8Hu/legalfunnel/internal/logger"
)

func Logger(cfg config.Config) (*logger.Logger, error) {
	mode := "development"
	if cfg.IsProduction() {
		mode = "production"
	}
	return logger.New(mode, cfg.LogLevel)
}

// OpenDB connects and migrates every table.
func OpenDB(cfg config.Config, log *logger.Logger) (*gorm.DB, error) {
	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN, log)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrateAll(gdb, log); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return gdb, nil
}

// Registry registers every free-tier chat backend with its configured model.
// New conversations go to AI_PROVIDER; older ones keep the backend they
// recorded.
func Registry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry(cfg.AIProvider)
	reg.Register("ollama", cfg.OllamaModel, func(_ context.Context, model string) (ai.Provider, error) {
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, model), nil
	})
	reg.Register("openrouter", cfg.OpenRouterModel, func(_ context.Context, model string) (ai.Provider, error) {
		if cfg.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("OPENROUTER_API_KEY not set")
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, model, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	reg.Register("openai", cfg.OpenAIModel, func(_ context.Context, model string) (ai.Provider, error) {
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		return ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, model), nil
	})
	return reg
}

func SMTP(cfg config.Config) email.SMTPConfig {
	return email.SMTPConfig{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
	}
}
