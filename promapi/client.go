// Package promapi exposes a Prometheus server to the model as a small set of
// named functions.
package promapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"
)

// ErrRuleNotFound is returned by AlertQuery when no alerting rule has the
// requested name.
var ErrRuleNotFound = errors.New("alerting rule not found")

// Client wraps the Prometheus HTTP API.
type Client struct {
	url string
	api v1.API
	log *zap.Logger
}

// NewClient creates a client for the Prometheus server at url. A zero
// timeout leaves requests bounded only by their context.
func NewClient(url string, timeout time.Duration, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := api.NewClient(api.Config{
		Address: url,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	return &Client{url: url, api: v1.NewAPI(c), log: log}, nil
}

// URL returns the server address.
func (c *Client) URL() string {
	return c.url
}

// Ready checks that the server answers API requests.
func (c *Client) Ready(ctx context.Context) error {
	info, err := c.api.Buildinfo(ctx)
	if err != nil {
		return fmt.Errorf("prometheus at %s is not ready: %w", c.url, err)
	}
	c.log.Info("Prometheus is ready", zap.String("url", c.url), zap.String("version", info.Version))
	return nil
}

// MetricMetadata returns type, help and unit for a metric.
func (c *Client) MetricMetadata(ctx context.Context, metric string) (map[string][]v1.Metadata, error) {
	return c.api.Metadata(ctx, metric, "")
}

// MetricLabels returns the label names present on a metric's series.
func (c *Client) MetricLabels(ctx context.Context, metric string) ([]string, error) {
	names, warnings, err := c.api.LabelNames(ctx, []string{metric}, time.Time{}, time.Time{})
	c.warn("labels", warnings)
	return names, err
}

// MetricLabelValues returns the values a label takes on a metric's series.
func (c *Client) MetricLabelValues(ctx context.Context, metric, label string) (model.LabelValues, error) {
	values, warnings, err := c.api.LabelValues(ctx, label, []string{metric}, time.Time{}, time.Time{})
	c.warn("label_values", warnings)
	return values, err
}

// Query evaluates an instant query at the current time.
func (c *Client) Query(ctx context.Context, query string) (model.Value, error) {
	value, warnings, err := c.api.Query(ctx, query, time.Now())
	c.warn("query", warnings)
	return value, err
}

// Alerts returns the active alerts.
func (c *Client) Alerts(ctx context.Context) ([]v1.Alert, error) {
	res, err := c.api.Alerts(ctx)
	if err != nil {
		return nil, err
	}
	return res.Alerts, nil
}

// AlertQuery returns the expression of the first alerting rule named
// alertname.
func (c *Client) AlertQuery(ctx context.Context, alertname string) (string, error) {
	res, err := c.api.Rules(ctx)
	if err != nil {
		return "", err
	}
	for _, group := range res.Groups {
		for _, r := range group.Rules {
			if rule, ok := r.(v1.AlertingRule); ok && rule.Name == alertname {
				return rule.Query, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrRuleNotFound, alertname)
}

func (c *Client) warn(endpoint string, warnings v1.Warnings) {
	if len(warnings) > 0 {
		c.log.Debug("Prometheus returned warnings",
			zap.String("endpoint", endpoint),
			zap.Strings("warnings", warnings))
	}
}
