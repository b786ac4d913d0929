// Package catalog resolves model pricing and agent ownership.
//
// Models and agents are owned by the marketplace configuration collaborator;
// this package only reads them, from a local JSON document or a remote URL,
// and answers two questions: what does a model cost per million tokens, and
// who created an agent.
package catalog

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentbazaar/metering/internal/pricing"
)

// Model carries the pricing attributes for one model id. Absent rates mean
// the token class is unpriced.
type Model struct {
	ID                         string           `json:"id"`
	Provider                   string           `json:"provider,omitempty"`
	CostPerMillionInputTokens  *decimal.Decimal `json:"cost_per_million_input_tokens,omitempty"`
	CostPerMillionOutputTokens *decimal.Decimal `json:"cost_per_million_output_tokens,omitempty"`
	UpdatedAt                  string           `json:"updated_at,omitempty"`
}

// Agent is a configured marketplace chatbot.
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	CreatorID    string `json:"creator_id"`
	ModelID      string `json:"model_id"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type document struct {
	Models []Model `json:"models"`
	Agents []Agent `json:"agents"`
}

// Logger is a minimal logging interface.
type Logger interface {
	Printf(format string, args ...any)
}

// LoaderConfig controls where to load the catalog from.
type LoaderConfig struct {
	LocalPath       string
	RemoteURL       string
	RefreshInterval time.Duration
	HTTPClient      *http.Client
}

// Store holds the loaded catalog with simple lookups.
type Store struct {
	mu     sync.RWMutex
	models map[string]Model
	agents map[string]Agent
	source string
	client *http.Client
	logger Logger
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		models: make(map[string]Model),
		agents: make(map[string]Agent),
		client: http.DefaultClient,
	}
}

// SetLogger sets an optional logger for warnings/errors.
func (s *Store) SetLogger(l Logger) {
	s.logger = l
}

// ModelByID returns the model entry if known.
func (s *Store) ModelByID(id string) (Model, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[normalize(id)]
	return m, ok
}

// RatesFor resolves pricing for a model. An unknown model degrades to zero
// rates so chat keeps working as free usage instead of failing the turn.
func (s *Store) RatesFor(modelID string) pricing.Rates {
	m, ok := s.ModelByID(modelID)
	if !ok {
		if s.logger != nil {
			s.logger.Printf("catalog: unknown model %q, treating as unpriced", modelID)
		}
		return pricing.Rates{}
	}
	return pricing.Rates{
		InputPerMillion:  m.CostPerMillionInputTokens,
		OutputPerMillion: m.CostPerMillionOutputTokens,
	}
}

// AgentByID returns the agent entry if known.
func (s *Store) AgentByID(id string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[normalize(id)]
	return a, ok
}

// Load refreshes the catalog from a local path; returns the number of models
// loaded.
func (s *Store) Load(path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("catalog: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return 0, err
	}
	s.apply(doc, path)
	return len(doc.Models), nil
}

// Fetch pulls the catalog from a remote URL.
func (s *Store) Fetch(url string) (int, error) {
	if strings.TrimSpace(url) == "" {
		return 0, errors.New("catalog: empty url")
	}
	client := s.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, errors.New(resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, err
	}
	s.apply(doc, url)
	return len(doc.Models), nil
}

func (s *Store) apply(doc document, src string) {
	models := make(map[string]Model)
	for _, m := range doc.Models {
		id := normalize(m.ID)
		if id == "" {
			continue
		}
		models[id] = m
	}
	agents := make(map[string]Agent)
	for _, a := range doc.Agents {
		id := normalize(a.ID)
		if id == "" {
			continue
		}
		agents[id] = a
	}
	s.mu.Lock()
	s.models = models
	s.agents = agents
	s.source = src
	s.mu.Unlock()
}

// StartAutoRefresh starts a goroutine that periodically reloads from remote
// if set, else local.
func (s *Store) StartAutoRefresh(cfg LoaderConfig) {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 24 * time.Hour
	}
	if cfg.HTTPClient != nil {
		s.client = cfg.HTTPClient
	}
	refresh := func() {
		if cfg.RemoteURL != "" {
			if _, err := s.Fetch(cfg.RemoteURL); err == nil {
				return
			} else if s.logger != nil {
				s.logger.Printf("catalog: remote fetch failed (%s): %v", cfg.RemoteURL, err)
			}
		}
		if cfg.LocalPath != "" {
			if _, err := s.Load(cfg.LocalPath); err != nil && s.logger != nil {
				s.logger.Printf("catalog: local load failed (%s): %v", cfg.LocalPath, err)
			}
		}
	}
	refresh()
	ticker := time.NewTicker(cfg.RefreshInterval)
	go func() {
		for range ticker.C {
			refresh()
		}
	}()
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
