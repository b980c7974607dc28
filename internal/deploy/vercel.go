package deploy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"golang.org/x/oauth2"

	"github.com/TobiSchelling/SiteForge/internal/generate"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

const defaultVercelAPI = "https://api.vercel.com"

// VercelConfig configures the Vercel host.
type VercelConfig struct {
	APIBase      string
	Token        string
	TeamID       string
	PollInterval time.Duration
	ReadyTimeout time.Duration
}

// VercelHost deploys sites through the Vercel deployments API, uploading the
// files inline and waiting for the build to become ready.
type VercelHost struct {
	cfg    VercelConfig
	client *http.Client
}

// NewVercelHost creates a Vercel host.
func NewVercelHost(cfg VercelConfig) *VercelHost {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultVercelAPI
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 10 * time.Minute
	}
	base := &http.Client{Timeout: 60 * time.Second}
	client := oauth2.NewClient(context.WithValue(context.Background(), oauth2.HTTPClient, base),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	return &VercelHost{cfg: cfg, client: client}
}

func (v *VercelHost) Name() string { return "vercel" }

type vercelFile struct {
	File     string `json:"file"`
	Data     string `json:"data"`
	Encoding string `json:"encoding"`
}

type vercelDeployment struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	ReadyState string `json:"readyState"`
}

// Deploy implements Host.
func (v *VercelHost) Deploy(ctx context.Context, project, dir string) (HostResult, error) {
	if v.cfg.Token == "" {
		return HostResult{}, stage.Validation(stage.CodeInvalidConfig, fmt.Errorf("vercel token is not set"))
	}

	_, files, err := generate.ReadSite(osfs.New(dir))
	if err != nil {
		return HostResult{}, stage.Fatal(stage.CodeHostingFailed, err)
	}

	payload := struct {
		Name            string            `json:"name"`
		Files           []vercelFile      `json:"files"`
		Target          string            `json:"target"`
		ProjectSettings map[string]string `json:"projectSettings"`
	}{
		Name:            project,
		Target:          "production",
		ProjectSettings: map[string]string{"framework": "nextjs"},
	}
	for _, p := range sortedKeys(files) {
		payload.Files = append(payload.Files, vercelFile{
			File:     p,
			Data:     base64.StdEncoding.EncodeToString(files[p]),
			Encoding: "base64",
		})
	}

	var dep vercelDeployment
	if err := v.do(ctx, http.MethodPost, "/v13/deployments", payload, &dep); err != nil {
		return HostResult{}, err
	}
	log.Printf("Vercel deployment %s created for %s", dep.ID, project)

	deadline := time.Now().Add(v.cfg.ReadyTimeout)
	for {
		switch dep.ReadyState {
		case "READY":
			return HostResult{BuildRef: dep.ID, URL: "https://" + strings.TrimPrefix(dep.URL, "https://")}, nil
		case "ERROR", "CANCELED":
			return HostResult{}, stage.Fatal(stage.CodeHostingFailed, fmt.Errorf("vercel deployment %s ended in %s", dep.ID, dep.ReadyState))
		}
		if time.Now().After(deadline) {
			return HostResult{}, stage.Transient(stage.CodeTimeout, fmt.Errorf("vercel deployment %s not ready after %s", dep.ID, v.cfg.ReadyTimeout))
		}

		select {
		case <-ctx.Done():
			return HostResult{}, ctx.Err()
		case <-time.After(v.cfg.PollInterval):
		}
		if err := v.do(ctx, http.MethodGet, "/v13/deployments/"+url.PathEscape(dep.ID), nil, &dep); err != nil {
			return HostResult{}, err
		}
	}
}

func (v *VercelHost) do(ctx context.Context, method, path string, body, out any) error {
	u := v.cfg.APIBase + path
	if v.cfg.TeamID != "" {
		u += "?teamId=" + url.QueryEscape(v.cfg.TeamID)
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return stage.Fatal(stage.CodeInternal, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return stage.Fatal(stage.CodeInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &stage.HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return stage.Fatal(stage.CodeHostingFailed, fmt.Errorf("decoding vercel response: %w", err))
	}
	return nil
}
