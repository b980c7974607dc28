package main

import (
	"fmt"
	"log"
	"os"

	"github.com/TobiSchelling/SiteForge/internal/cache"
	"github.com/TobiSchelling/SiteForge/internal/config"
	"github.com/TobiSchelling/SiteForge/internal/database"
	"github.com/TobiSchelling/SiteForge/internal/deploy"
	"github.com/TobiSchelling/SiteForge/internal/generate"
	"github.com/TobiSchelling/SiteForge/internal/llm"
	"github.com/TobiSchelling/SiteForge/internal/pipeline"
	"github.com/TobiSchelling/SiteForge/internal/ratelimit"
	"github.com/TobiSchelling/SiteForge/internal/research"
	"github.com/TobiSchelling/SiteForge/internal/site"
	"github.com/TobiSchelling/SiteForge/internal/source"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

// app holds everything built from the config for one command invocation.
type app struct {
	db         *database.DB
	profiles   *site.Profiles
	researcher *research.Coordinator
	validator  *source.Validator
	pipeline   *pipeline.Pipeline
}

func (a *app) Close() error {
	return a.db.Close()
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(cfg.DBPath())
}

func retryPolicy(c *config.Config) stage.Policy {
	return stage.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay.D(),
		MaxDelay:    c.Retry.MaxDelay.D(),
		Jitter:      c.Retry.Jitter,
	}
}

// newApp wires the pipeline components described by cfg.
func newApp() (*app, error) {
	profiles, err := site.LoadProfiles(cfg.Research.ProfilesDir)
	if err != nil {
		return nil, fmt.Errorf("loading niche profiles: %w", err)
	}

	policy := retryPolicy(cfg)
	limiter := ratelimit.New(cfg.RateLimits.Default.D(), cfg.RateLimits.Intervals())

	provider, err := researchProvider(cfg)
	if err != nil {
		return nil, err
	}
	coord := research.NewCoordinator(provider, cache.New[research.InsightSet](cfg.Research.CacheTTL.D()),
		limiter, policy, cfg.Research.CacheTTL.D())

	timeout := cfg.DataSource.Timeout.D()
	validator := source.NewValidator(
		source.NewAPIReader(timeout),
		source.NewSheetReader(config.Env(cfg.DataSource.SheetsAPITokenEnv), timeout),
		cfg.DataSource.RequiredFields, limiter, policy)

	gen, err := generate.New(profiles, cfg.DataSource.RequiredFields)
	if err != nil {
		return nil, fmt.Errorf("loading site templates: %w", err)
	}

	host, err := hostFor(cfg)
	if err != nil {
		return nil, err
	}
	var publisher deploy.Publisher
	if cfg.Deploy.Git.Enabled {
		g := cfg.Deploy.Git
		publisher = deploy.NewGitPublisher(deploy.GitConfig{
			RemoteURL:   g.RemoteURL,
			Branch:      g.Branch,
			AuthorName:  g.AuthorName,
			AuthorEmail: g.AuthorEmail,
			Token:       config.Env(g.TokenEnv),
			Force:       g.Force,
		})
	}
	var verifier *deploy.Verifier
	if cfg.Deploy.Verify {
		verifier = deploy.NewVerifier(timeout)
	}

	db, err := openDB()
	if err != nil {
		return nil, err
	}
	driver := deploy.NewDriver(publisher, host, verifier, db, cfg.DeployedDir(), limiter, policy)

	p := pipeline.New(db, pipeline.Components{
		Profiles:   profiles,
		Researcher: coord,
		Validator:  validator,
		Generator:  gen,
		Deployer:   driver,
	}, pipeline.Options{
		MaxSources:  cfg.Research.MaxSources,
		RecencyDays: cfg.Research.RecencyDays,
		RunLogDir:   cfg.RunLogDir(),
	})

	return &app{db: db, profiles: profiles, researcher: coord, validator: validator, pipeline: p}, nil
}

// researchProvider picks the LLM when one is reachable, then NewsAPI when a
// key is set, then the configured feeds.
func researchProvider(c *config.Config) (research.Provider, error) {
	feeds := make([]research.FeedConfig, 0, len(c.Research.Feeds))
	for _, f := range c.Research.Feeds {
		feeds = append(feeds, research.FeedConfig{URL: f.URL, Name: f.Name})
	}

	r := c.Research
	if r.Provider != "feeds" && r.Provider != "newsapi" {
		if p := llm.CreateProvider(r.Provider, r.Model, r.OllamaURL, r.OpenAIModel, r.APIKeyEnv); p != nil {
			return research.NewLLMProvider(p, r.MaxTokens), nil
		}
	}
	if r.Provider != "feeds" {
		if news := research.NewNewsProvider(config.Env(r.NewsAPIKeyEnv), c.DataSource.Timeout.D()); news.IsConfigured() {
			log.Println("Researching through NewsAPI")
			return news, nil
		}
	}
	if len(feeds) == 0 {
		return nil, fmt.Errorf("no research provider available: configure an LLM or research.feeds")
	}
	log.Printf("Researching from %d feeds", len(feeds))
	return research.NewFeedProvider(feeds, c.DataSource.Timeout.D(), c.Research.FetchText), nil
}

func hostFor(c *config.Config) (deploy.Host, error) {
	switch c.Deploy.Host {
	case "vercel":
		v := c.Deploy.Vercel
		return deploy.NewVercelHost(deploy.VercelConfig{
			APIBase:      v.APIBase,
			Token:        config.Env(v.TokenEnv),
			TeamID:       v.TeamID,
			PollInterval: v.PollInterval.D(),
			ReadyTimeout: v.ReadyTimeout.D(),
		}), nil
	case "minio":
		m := c.Deploy.Minio
		h, err := deploy.NewMinioHost(deploy.MinioConfig{
			Endpoint:   m.Endpoint,
			AccessKey:  config.Env(m.AccessKeyEnv),
			SecretKey:  config.Env(m.SecretKeyEnv),
			Bucket:     m.Bucket,
			Region:     m.Region,
			UseSSL:     m.UseSSL,
			PublicBase: m.PublicBase,
		})
		if err != nil {
			return nil, fmt.Errorf("configuring minio host: %w", err)
		}
		return h, nil
	default:
		return deploy.LocalHost{}, nil
	}
}
