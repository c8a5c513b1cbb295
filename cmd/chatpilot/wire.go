package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/user/chatpilot/internal/browser"
	"github.com/user/chatpilot/internal/config"
	"github.com/user/chatpilot/internal/credentials"
	"github.com/user/chatpilot/internal/dedup"
	"github.com/user/chatpilot/internal/engine"
	"github.com/user/chatpilot/internal/fallback"
	"github.com/user/chatpilot/internal/platform"
	"github.com/user/chatpilot/internal/reply"
	"github.com/user/chatpilot/internal/types"
	"github.com/user/chatpilot/pkg/llm"
	"github.com/user/chatpilot/pkg/llm/openai"
)

func credentialStore(cfg *config.Config) *credentials.Store {
	return credentials.NewStore(filepath.Join(cfg.DataDir, credentials.FileName))
}

func newPlatformClient(cfg *config.Config) *platform.Client {
	return platform.New(platform.Options{
		GraphQLURL:        cfg.Platform.GraphQLURL,
		RESTBaseURL:       cfg.Platform.RESTBaseURL,
		LoginHosts:        cfg.Platform.LoginEndpoints,
		UserAgent:         cfg.Platform.UserAgent,
		Timeout:           time.Duration(cfg.Platform.TimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.Platform.RequestsPerSecond,
	})
}

// loadSecrets merges the plaintext account section with the encrypted
// credentials file, which wins when it can be opened.
func loadSecrets(cfg *config.Config) *credentials.Blob {
	blob := &credentials.Blob{
		Token:    cfg.Account.Token,
		Email:    cfg.Account.Email,
		Password: cfg.Account.Password,
	}
	store := credentialStore(cfg)
	if !store.Exists() {
		return blob
	}
	pass := getPassphrase()
	if pass == "" {
		slog.Warn("stored credentials present but no passphrase given", "path", store.Path())
		return blob
	}
	saved, err := store.Load(pass)
	if err != nil {
		slog.Error("cannot open stored credentials", "path", store.Path(), "error", err)
		return blob
	}
	if saved.Token != "" {
		blob.Token, blob.RefreshToken, blob.ExpiresAt = saved.Token, saved.RefreshToken, saved.ExpiresAt
	}
	if saved.Email != "" {
		blob.Email, blob.Password = saved.Email, saved.Password
	}
	return blob
}

// openSession logs in through the token API: a saved token first, then
// email and password. A nil session with a nil error means nothing was
// configured.
func openSession(ctx context.Context, client *platform.Client, secrets *credentials.Blob) (*types.Session, error) {
	var tokenErr error
	if secrets.Token != "" {
		sess, profile, err := client.LoginWithToken(ctx, secrets.Token)
		if err == nil {
			if secrets.RefreshToken != "" || !secrets.ExpiresAt.IsZero() {
				exp := secrets.ExpiresAt
				if exp.IsZero() {
					exp = sess.ExpiresAt()
				}
				sess.Rotate(sess.AccessToken(), secrets.RefreshToken, exp)
			}
			if client.NeedsRefresh(sess) && sess.RefreshToken() != "" {
				if err := client.Refresh(ctx, sess); err != nil {
					slog.Warn("saved token close to expiry and refresh failed", "error", err)
				}
			}
			slog.Info("api session ready", "username", profile.Username, "method", "token")
			return sess, nil
		}
		tokenErr = err
		slog.Warn("saved token rejected", "error", err, "remediation", platform.Remediation(platform.KindOf(err)))
	}
	if secrets.Email != "" && secrets.Password != "" {
		sess, profile, err := client.Login(ctx, secrets.Email, secrets.Password)
		if err != nil {
			return nil, fmt.Errorf("api login: %w", err)
		}
		slog.Info("api session ready", "username", profile.Username, "method", "credentials")
		return sess, nil
	}
	return nil, tokenErr
}

func llmConfig(cfg *config.Config) *llm.Config {
	return &llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    cfg.LLM.Temperature,
	}
}

// newSynthesizer never fails: without a tokenizer prompts are sent
// untrimmed, and without a model the canned replies take over.
func newSynthesizer(cfg *config.Config) *reply.Synthesizer {
	prompt, err := reply.NewPrompt(cfg.LLM.Model, cfg.LLM.MaxPromptTokens)
	if err != nil {
		slog.Warn("prompt budget disabled", "error", err)
		prompt = nil
	}
	return reply.NewSynthesizer(openai.New(llmConfig(cfg)), prompt)
}

func newStyleExtractor(cfg *config.Config) *reply.StyleExtractor {
	var emb llm.Embedder
	if cfg.LLM.APIKey != "" && cfg.LLM.EmbeddingModel != "" {
		emb = openai.NewEmbedder(llmConfig(cfg))
	}
	return reply.NewStyleExtractor(emb)
}

func openDedup(cfg *config.Config, account string) (dedup.Store, error) {
	switch cfg.Dedup.Backend {
	case "", "memory":
		return dedup.NewMemoryStore(), nil
	case "redis":
		return dedup.NewRedisStore(dedup.RedisConfig{URL: cfg.Dedup.RedisURL, Prefix: cfg.Dedup.KeyPrefix, Account: account})
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Dedup.Backend)
	}
}

func browserOptions(cfg *config.Config) (browser.Options, error) {
	opts := browser.DefaultOptions()
	sel, err := browser.LoadSelectors(cfg.Browser.SelectorsPath)
	if err != nil {
		return opts, err
	}
	opts.Selectors = sel
	if cfg.Browser.DOMTimeoutSeconds > 0 {
		opts.DOMTimeout = time.Duration(cfg.Browser.DOMTimeoutSeconds) * time.Second
	}
	return opts, nil
}

func chromeDriver(cfg *config.Config) func() (browser.Driver, error) {
	return func() (browser.Driver, error) {
		d, err := browser.NewChromeDriver(browser.ChromeOptions{
			Headless:  cfg.Browser.Headless,
			ExecPath:  cfg.Browser.ExecPath,
			UserAgent: cfg.Platform.UserAgent,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// browserFactory returns nil when the browser transport cannot be used.
func browserFactory(cfg *config.Config, secrets *credentials.Blob, synth types.Synthesizer, style func() string) (fallback.Factory, error) {
	if !cfg.Browser.Enabled {
		return nil, nil
	}
	if secrets.Email == "" || secrets.Password == "" {
		slog.Warn("browser fallback disabled: no email and password configured")
		return nil, nil
	}
	opts, err := browserOptions(cfg)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (types.ConversationSource, error) {
		return browser.Open(ctx, chromeDriver(cfg), opts, browser.Session{
			Email:    secrets.Email,
			Password: secrets.Password,
			Synth:    synth,
			Style:    style,
			OnToken:  func(token string) { saveCapturedToken(cfg, token) },
		})
	}, nil
}

// saveCapturedToken keeps a token lifted from the browser for the next
// start. The running controller stays on the browser until re-login.
func saveCapturedToken(cfg *config.Config, token string) {
	pass := getPassphrase()
	if pass == "" {
		slog.Info("bearer token captured from browser, not saved without a passphrase")
		return
	}
	store := credentialStore(cfg)
	blob, err := store.Load(pass)
	if errors.Is(err, credentials.ErrNotFound) {
		blob, err = &credentials.Blob{}, nil
	}
	if err != nil {
		slog.Warn("cannot update stored credentials", "error", err)
		return
	}
	blob.Token = token
	blob.RefreshToken = ""
	blob.ExpiresAt = time.Now().Add(platform.TokenLifetime)
	if err := store.Save(blob, pass); err != nil {
		slog.Warn("cannot update stored credentials", "error", err)
		return
	}
	slog.Info("bearer token captured from browser and saved")
}

func engineConfig(cfg *config.Config) engine.Config {
	e := cfg.Engine
	return engine.Config{
		PollInterval:   time.Duration(e.PollIntervalSeconds) * time.Second,
		RateLimit:      e.RateLimit,
		RateWindow:     time.Duration(e.RateWindowSeconds) * time.Second,
		SenderCooldown: time.Duration(e.SenderCooldownSeconds) * time.Second,
		MinSendDelay:   time.Duration(e.MinSendDelayMS) * time.Millisecond,
		MaxSendDelay:   time.Duration(e.MaxSendDelayMS) * time.Millisecond,
		MaxRateWait:    time.Duration(e.MaxRateWaitSeconds) * time.Second,
	}
}
