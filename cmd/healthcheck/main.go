// Command healthcheck exits 0 when the ledgerlink server on this host answers
// its health endpoint with status "ok". It is meant for container health
// checks, where no shell or curl is available.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	httphandler "github.com/ericfisherdev/ledgerlink/internal/adapter/driving/http"
)

const defaultTimeout = 2 * time.Second

func main() {
	timeout := defaultTimeout
	if raw := os.Getenv("LEDGERLINK_HEALTHCHECK_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			fmt.Fprintf(os.Stderr, "healthcheck: invalid LEDGERLINK_HEALTHCHECK_TIMEOUT %q\n", raw)
			os.Exit(2)
		}
		timeout = d
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := check(ctx, healthURL(os.Getenv("LEDGERLINK_LISTEN_ADDR"))); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
		os.Exit(1)
	}
}

// check fetches target and requires a 200 whose body reports status "ok".
func check(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s answered %d", target, resp.StatusCode)
	}

	var health httphandler.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if health.Status != "ok" {
		return fmt.Errorf("server reports status %q", health.Status)
	}
	return nil
}

// healthURL builds the health endpoint URL from the server's listen address.
// Wildcard hosts are dialed on loopback since the check runs beside the server.
func healthURL(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if listenAddr == "" || err != nil {
		host, port = "127.0.0.1", "8080"
	}

	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}

	u := url.URL{Scheme: "http", Host: net.JoinHostPort(host, port), Path: "/api/v1/health"}
	return u.String()
}
