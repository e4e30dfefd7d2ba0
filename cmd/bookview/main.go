// Command bookview prints the market's order book and agent status as
// terminal tables.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/atmx/stream-market/internal/agent"
	"github.com/atmx/stream-market/internal/market"
)

func main() {
	base := flag.String("url", envOr("MARKET_URL", "http://localhost:8080"), "market base URL")
	risk := flag.String("risk", "", "only show orders of this risk level (A-D)")
	sortBy := flag.String("sort", "value", "sort orders by value, risk or recent")
	search := flag.String("q", "", "substring match on order, stream or seller")
	watch := flag.Duration("watch", 0, "refresh interval; zero prints once")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	q := url.Values{}
	if *risk != "" {
		q.Set("risk_level", strings.ToUpper(*risk))
	}
	if *sortBy != "" {
		q.Set("sort", *sortBy)
	}
	if *search != "" {
		q.Set("q", *search)
	}

	c := &client{base: strings.TrimRight(*base, "/"), http: &http.Client{Timeout: 10 * time.Second}}
	for {
		if err := c.print(context.Background(), q); err != nil {
			slog.Error("bookview", "err", err)
			if *watch == 0 {
				os.Exit(1)
			}
		}
		if *watch == 0 {
			return
		}
		time.Sleep(*watch)
	}
}

type client struct {
	base string
	http *http.Client
}

func (c *client) print(ctx context.Context, q url.Values) error {
	var view market.BookView
	if err := c.get(ctx, "/api/v1/orders?"+q.Encode(), &view); err != nil {
		return err
	}
	var status agent.Status
	if err := c.get(ctx, "/api/v1/agent", &status); err != nil {
		return err
	}
	renderBook(os.Stdout, view)
	renderAgent(os.Stdout, status)
	return nil
}

func (c *client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
