// Package services integrates with external media managers. After an
// encode lands, the owning sonarr or radarr instance is told to rescan
// so its metadata catches up with the replaced file.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mjc/reencodarr/internal/config"
	"github.com/mjc/reencodarr/internal/httpclient"
	"github.com/mjc/reencodarr/internal/models"
)

// Notification errors.
var (
	ErrNoServiceForKind = errors.New("no notify service configured for kind")
	ErrCommandFailed    = errors.New("remote command failed")
	ErrCommandPending   = errors.New("remote command still pending after polling")
)

const (
	apiKeyHeader = "X-Api-Key"
	maxPollDelay = 30 * time.Second
)

// ArrClient talks to one sonarr or radarr instance.
type ArrClient struct {
	kind    models.ServiceType
	baseURL string
	apiKey  string

	http          *httpclient.Client
	retryAttempts int
	retryDelay    time.Duration
	logger        *slog.Logger
}

// NewArrClient creates a client for a single instance. Retry settings
// come from the notify config section.
func NewArrClient(kind models.ServiceType, baseURL, apiKey string, cfg config.NotifyConfig, logger *slog.Logger) *ArrClient {
	if logger == nil {
		logger = slog.Default()
	}

	hcCfg := httpclient.DefaultConfig()
	hcCfg.Logger = logger
	if cfg.Timeout > 0 {
		hcCfg.Timeout = cfg.Timeout
	}

	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	return &ArrClient{
		kind:          kind,
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		http:          httpclient.New(hcCfg),
		retryAttempts: attempts,
		retryDelay:    delay,
		logger:        logger.With("component", "notify", "kind", string(kind)),
	}
}

// Kind returns the service type this client talks to.
func (c *ArrClient) Kind() models.ServiceType { return c.kind }

// BaseURL returns the configured endpoint.
func (c *ArrClient) BaseURL() string { return c.baseURL }

// commandRequest is the v3 command API body. Sonarr refreshes a whole
// series; radarr takes a list of movie ids.
type commandRequest struct {
	Name     string  `json:"name"`
	SeriesID int64   `json:"seriesId,omitempty"`
	MovieIDs []int64 `json:"movieIds,omitempty"`
}

type commandResponse struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Refresh issues the rescan command for the given remote id and waits
// for the command to finish, polling with exponential backoff.
func (c *ArrClient) Refresh(ctx context.Context, serviceID string) error {
	remoteID, err := strconv.ParseInt(serviceID, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing %s service id %q: %w", c.kind, serviceID, err)
	}

	cmd, err := c.postCommand(ctx, remoteID)
	if err != nil {
		return err
	}

	c.logger.Debug("rescan command accepted",
		"command_id", cmd.ID,
		"command", cmd.Name,
		"remote_id", remoteID,
	)

	return c.awaitCommand(ctx, cmd.ID)
}

func (c *ArrClient) postCommand(ctx context.Context, remoteID int64) (*commandResponse, error) {
	var body commandRequest
	switch c.kind {
	case models.ServiceTypeSonarr:
		body = commandRequest{Name: "RescanSeries", SeriesID: remoteID}
	case models.ServiceTypeRadarr:
		body = commandRequest{Name: "RefreshMovie", MovieIDs: []int64{remoteID}}
	default:
		return nil, fmt.Errorf("%w: %q", ErrNoServiceForKind, c.kind)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v3/command", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building command request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting %s command: %w", c.kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("posting %s command: unexpected status %d", c.kind, resp.StatusCode)
	}

	var cmd commandResponse
	if err := json.NewDecoder(resp.Body).Decode(&cmd); err != nil {
		return nil, fmt.Errorf("decoding command response: %w", err)
	}
	return &cmd, nil
}

// awaitCommand polls the command endpoint until it reaches a terminal
// status. Poll delay doubles from the configured base, capped.
func (c *ArrClient) awaitCommand(ctx context.Context, commandID int64) error {
	delay := c.retryDelay
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		cmd, err := c.getCommand(ctx, commandID)
		if err != nil {
			c.logger.Warn("polling command status",
				"command_id", commandID,
				"attempt", attempt+1,
				"error", err.Error(),
			)
		} else {
			switch strings.ToLower(cmd.Status) {
			case "completed":
				return nil
			case "failed", "aborted", "cancelled":
				return fmt.Errorf("%w: command %d ended %s", ErrCommandFailed, commandID, cmd.Status)
			}
		}

		delay *= 2
		if delay > maxPollDelay {
			delay = maxPollDelay
		}
	}
	return fmt.Errorf("%w: command %d", ErrCommandPending, commandID)
}

func (c *ArrClient) getCommand(ctx context.Context, commandID int64) (*commandResponse, error) {
	url := fmt.Sprintf("%s/api/v3/command/%d", c.baseURL, commandID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building status request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching command status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching command status: unexpected status %d", resp.StatusCode)
	}

	var cmd commandResponse
	if err := json.NewDecoder(resp.Body).Decode(&cmd); err != nil {
		return nil, fmt.Errorf("decoding command status: %w", err)
	}
	return &cmd, nil
}

// Notifier routes post-encode notifications to the instance owning a
// video. Videos without a service reference are silently skipped.
type Notifier struct {
	clients map[models.ServiceType]*ArrClient
	logger  *slog.Logger
}

// NewNotifier builds a notifier from the notify config section.
func NewNotifier(cfg config.NotifyConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		clients: make(map[models.ServiceType]*ArrClient),
		logger:  logger.With("component", "notifier"),
	}
	for _, svc := range cfg.Services {
		n.AddClient(NewArrClient(models.ServiceType(svc.Kind), svc.BaseURL, svc.APIKey, cfg, logger))
	}
	return n
}

// AddClient registers a client, replacing any existing one for the
// same kind.
func (n *Notifier) AddClient(client *ArrClient) {
	n.clients[client.kind] = client
}

// AddServiceConfigs registers clients for stored service records.
func (n *Notifier) AddServiceConfigs(configs []models.ServiceConfig, cfg config.NotifyConfig) {
	for _, sc := range configs {
		if !sc.Enabled {
			continue
		}
		n.AddClient(NewArrClient(sc.Kind, sc.BaseURL, sc.APIKey, cfg, n.logger))
	}
}

// NotifyEncoded tells the owning service the file was replaced. It is
// a no-op for videos ingested outside sonarr/radarr.
func (n *Notifier) NotifyEncoded(ctx context.Context, video *models.Video) error {
	if video.ServiceType == nil || video.ServiceID == nil {
		return nil
	}

	client, ok := n.clients[*video.ServiceType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoServiceForKind, *video.ServiceType)
	}

	if err := client.Refresh(ctx, *video.ServiceID); err != nil {
		return fmt.Errorf("notifying %s about %s: %w", *video.ServiceType, video.Path, err)
	}

	n.logger.Info("library notified",
		"kind", string(*video.ServiceType),
		"service_id", *video.ServiceID,
		"path", video.Path,
	)
	return nil
}
