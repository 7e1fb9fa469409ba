package weather

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/playground/internal/reliability"
	"github.com/ent0n29/playground/internal/tools"
)

const (
	ToolName       = "weather"
	DefaultBaseURL = "https://wttr.in"
	maxBodyBytes   = 4 << 10
)

// Client fetches short plain-text weather reports.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Current returns the condition and temperature for location, e.g. "Sunny +21°C".
func (c *Client) Current(ctx context.Context, location string) (string, error) {
	u := c.baseURL + "/" + url.PathEscape(location) + "?format=%25C+%25t"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		c.logger.Warn("weather api error",
			zap.String("location", location),
			zap.Int("status", res.StatusCode),
			zap.Bool("retryable", reliability.IsRetryableHTTPStatus(res.StatusCode)),
		)
		return "", fmt.Errorf("weather api returned status: %d", res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// Definition exposes the client as the model-callable weather tool.
func (c *Client) Definition() tools.Definition {
	return tools.Definition{
		Name:        ToolName,
		Description: "Get the weather in a location",
		Parameters: tools.Schema{
			Properties: map[string]tools.Property{
				"location": {Type: tools.TypeString, Description: "The location to get the weather for"},
			},
			Required: []string{"location"},
		},
		Execute: c.execute,
	}
}

func (c *Client) execute(ctx context.Context, args map[string]any) (string, error) {
	location, _ := args["location"].(string)
	location = strings.TrimSpace(location)
	if location == "" {
		return "", fmt.Errorf("location must not be empty")
	}
	c.logger.Debug("executing weather function", zap.String("location", location))

	report, err := c.Current(ctx, location)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("The weather in %s right now is %s.", location, report), nil
}
