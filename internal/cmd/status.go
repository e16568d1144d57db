package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/brokerguard/brokerguard/internal/config"
	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/keeper"
	"github.com/brokerguard/brokerguard/internal/output"
)

var (
	statusServer  string
	statusWindow  time.Duration
	statusAlerts  int
	statusTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session, rate limit and pacing state from a running server",
	Long: `Query the /status endpoint of a running "brokerguard serve" and render the
session state, call statistics, rate limit usage and recent alerts.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}
		base := strings.TrimSpace(statusServer)
		if base == "" {
			cfg, err := loadedConfig()
			if err != nil {
				return err
			}
			base = serverURL(cfg.Server)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()
		status, err := fetchStatus(ctx, newStatusClient(), base, statusWindow, statusAlerts)
		if err != nil {
			return err
		}
		return writeRendered(cmd, "status", func(f output.Formatter) (string, error) {
			return f.FormatStatus(status)
		})
	},
}

func newStatusClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// serverURL maps a listen address to one a local client can dial.
func serverURL(cfg config.ServerConfig) string {
	host := cfg.Host
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port))
}

func fetchStatus(ctx context.Context, client *http.Client, base string, window time.Duration, alerts int) (keeper.Status, error) {
	var status keeper.Status

	endpoint, err := url.Parse(strings.TrimRight(base, "/") + "/status")
	if err != nil {
		return status, core.WrapError(core.KindInvalidRequest, "status", fmt.Errorf("invalid server URL: %w", err))
	}
	query := endpoint.Query()
	if window > 0 {
		query.Set("window", window.String())
	}
	query.Set("alerts", strconv.Itoa(alerts))
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return status, core.WrapError(core.KindInvalidRequest, "status", fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return status, core.WrapError(core.KindNetwork, "status", fmt.Errorf("query server: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return status, core.WrapError(core.KindNetwork, "status", fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return status, core.NewError(core.KindNetwork, "status",
			fmt.Sprintf("server answered %d: %s", resp.StatusCode, strings.TrimSpace(errorMessage(body))))
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return status, core.WrapError(core.KindMalformedResponse, "status", fmt.Errorf("decode response: %w", err))
	}
	return status, nil
}

// errorMessage pulls the message out of an error envelope, falling back to the raw body.
func errorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		if envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	return string(body)
}

func init() {
	statusCmd.Flags().StringVar(&statusServer, "server", "", "Server base URL (default from server.host and server.port)")
	statusCmd.Flags().DurationVar(&statusWindow, "window", 0, "Statistics window (default monitor.window_minutes)")
	statusCmd.Flags().IntVar(&statusAlerts, "alerts", 10, "Number of recent alerts to include")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "Request timeout")
	addOutputFlags(statusCmd)
	rootCmd.AddCommand(statusCmd)
}
