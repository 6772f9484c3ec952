package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds CLI configuration
type Config struct {
	Controller string `mapstructure:"controller"`
}

// LoadConfig loads configuration from file and flags
func LoadConfig(cmd *cobra.Command) (*Config, error) {
	cfg := &Config{}

	// Get config file path
	configFile, _ := cmd.Flags().GetString("config")
	if configFile == "" {
		// Default to $HOME/.wirelab/config.yaml
		home, err := os.UserHomeDir()
		if err == nil {
			configFile = filepath.Join(home, ".wirelab", "config.yaml")
		}
	}

	// Set up viper
	viper.SetConfigFile(configFile)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	viper.SetEnvPrefix("WIRELAB")

	// Read config file if it exists
	if configFile != "" {
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				if !os.IsNotExist(err) {
					return nil, fmt.Errorf("failed to read config file: %w", err)
				}
			}
		}
	}

	// Unmarshal config
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override with flags
	if controller, _ := cmd.Flags().GetString("controller"); controller != "" {
		cfg.Controller = controller
	}

	// Set default controller if not specified
	if cfg.Controller == "" {
		cfg.Controller = "http://127.0.0.1:3080"
	}
	if !strings.Contains(cfg.Controller, "://") {
		cfg.Controller = "http://" + cfg.Controller
	}

	return cfg, nil
}

// Client is an HTTP client for the controller REST API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the configured controller.
func (c *Config) NewClient() *Client {
	return &Client{
		base: strings.TrimSuffix(c.Controller, "/") + "/v3",
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Get issues a GET request and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post issues a POST request with a JSON body and decodes the response into out.
// Both in and out may be nil.
func (c *Client) Post(ctx context.Context, path string, in, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach controller: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	var apiErr struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
		return fmt.Errorf("controller returned %s: %s", resp.Status, apiErr.Message)
	}
	return fmt.Errorf("controller returned %s", resp.Status)
}
