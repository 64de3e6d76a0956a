package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/noshow-platform/internal/jobs"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

type config struct {
	upstreamBaseURL string
	upstreamTimeout time.Duration
	cronSecret      string
}

func loadConfig() (config, error) {
	baseURL := strings.TrimSpace(os.Getenv("UPSTREAM_BASE_URL"))
	if baseURL == "" {
		return config{}, errors.New("UPSTREAM_BASE_URL is required")
	}
	secret := strings.TrimSpace(os.Getenv("CRON_SECRET"))
	if secret == "" {
		return config{}, errors.New("CRON_SECRET is required")
	}

	timeout := 55 * time.Second
	if raw := strings.TrimSpace(os.Getenv("UPSTREAM_TIMEOUT")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return config{}, fmt.Errorf("invalid UPSTREAM_TIMEOUT: %w", err)
		}
		timeout = parsed
	}

	return config{
		upstreamBaseURL: strings.TrimRight(baseURL, "/"),
		upstreamTimeout: timeout,
		cronSecret:      secret,
	}, nil
}

// scheduleDetail is the EventBridge rule input. An empty detail runs the
// whole pipeline in order.
type scheduleDetail struct {
	Job  string   `json:"job"`
	Jobs []string `json:"jobs"`
}

// jobOutcome is what the invoker reports per job.
type jobOutcome struct {
	Job        string `json:"job"`
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body,omitempty"`
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}
	logger := logging.New(os.Getenv("LOG_LEVEL"))

	client := &http.Client{Timeout: cfg.upstreamTimeout}
	lambda.Start(func(ctx context.Context, evt events.CloudWatchEvent) ([]jobOutcome, error) {
		return handle(ctx, cfg, client, logger, evt)
	})
}

func handle(ctx context.Context, cfg config, client *http.Client, logger *logging.Logger, evt events.CloudWatchEvent) ([]jobOutcome, error) {
	names, err := jobNames(evt.Detail)
	if err != nil {
		return nil, err
	}

	var (
		out    []jobOutcome
		failed []string
	)
	for _, name := range names {
		outcome, err := invoke(ctx, cfg, client, name)
		if err != nil {
			logger.Error("cron invoke failed", "job", name, "error", err)
			failed = append(failed, name)
			out = append(out, jobOutcome{Job: name, StatusCode: http.StatusBadGateway})
			continue
		}
		if outcome.StatusCode >= 300 {
			logger.Error("cron job rejected", "job", name, "status", outcome.StatusCode, "body", outcome.Body)
			failed = append(failed, name)
		} else {
			logger.Info("cron job finished", "job", name, "status", outcome.StatusCode)
		}
		out = append(out, outcome)
	}
	if len(failed) > 0 {
		// Returning an error lets the EventBridge retry policy apply.
		return out, fmt.Errorf("cron jobs failed: %s", strings.Join(failed, ", "))
	}
	return out, nil
}

func jobNames(detail json.RawMessage) ([]string, error) {
	var d scheduleDetail
	if raw := strings.TrimSpace(string(detail)); raw != "" && raw != "null" {
		if err := json.Unmarshal(detail, &d); err != nil {
			return nil, fmt.Errorf("invalid event detail: %w", err)
		}
	}
	requested := d.Jobs
	if strings.TrimSpace(d.Job) != "" {
		requested = append([]string{d.Job}, requested...)
	}
	if len(requested) == 0 {
		return append([]string(nil), jobs.Pipeline...), nil
	}

	names := make([]string, 0, len(requested))
	for _, raw := range requested {
		name, ok := jobs.Canonical(raw)
		if !ok {
			return nil, fmt.Errorf("unknown job %q", raw)
		}
		names = append(names, name)
	}
	return names, nil
}

func invoke(ctx context.Context, cfg config, client *http.Client, job string) (jobOutcome, error) {
	reqCtx, cancel := context.WithTimeout(ctx, cfg.upstreamTimeout)
	defer cancel()

	target := cfg.upstreamBaseURL + "/cron/" + url.PathEscape(job)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, nil)
	if err != nil {
		return jobOutcome{}, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.cronSecret)

	resp, err := client.Do(req)
	if err != nil {
		return jobOutcome{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return jobOutcome{Job: job, StatusCode: resp.StatusCode, Body: string(body)}, nil
}
