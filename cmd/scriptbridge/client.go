package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/scriptbridge/internal/appconfig"
	"pkt.systems/scriptbridge/internal/bridgeclient"
)

type clientFlags struct {
	cfgPath string
	url     string
	timeout time.Duration
}

func (f *clientFlags) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&f.cfgPath, "config", "c", "", "path to config file")
	cmd.PersistentFlags().StringVar(&f.url, "url", "", "bridge websocket url (default derived from http.addr)")
	cmd.PersistentFlags().DurationVar(&f.timeout, "timeout", 30*time.Second, "per-request timeout")
}

// endpoint resolves the privileged channel url from the flag or the config.
func (f *clientFlags) endpoint() (string, error) {
	if f.url != "" {
		return f.url, nil
	}
	cfg, err := appconfig.Load(f.cfgPath)
	if err != nil {
		return "", err
	}
	return bridgeURL(cfg.HTTP.Addr), nil
}

func bridgeURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "ws://" + addr + "/api/bridge"
}

func (f *clientFlags) dial(ctx context.Context) (*bridgeclient.Client, error) {
	url, err := f.endpoint()
	if err != nil {
		return nil, err
	}
	return bridgeclient.Dial(ctx, url, bridgeclient.Options{
		Timeout: f.timeout,
		Logger:  pslog.Ctx(ctx),
	})
}

// withClient runs fn against a fresh connection to the daemon.
func (f *clientFlags) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *bridgeclient.Client) error) error {
	ctx := cmd.Context()
	c, err := f.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(ctx, c)
}

// printBulk writes one line per target in a stable order. A failed bulk
// call still carries per-item results, so callErr is only returned after
// they were printed.
func printBulk(w io.Writer, result bridgeclient.BulkResult, callErr error) error {
	keys := make([]string, 0, len(result.Results))
	for key := range result.Results {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	failed := 0
	for _, key := range keys {
		item := result.Results[key]
		switch {
		case !item.Success:
			failed++
			_, _ = fmt.Fprintf(w, "%s: error: %s\n", key, item.Error)
		case item.PendingConfirmation:
			_, _ = fmt.Fprintf(w, "%s: pending confirmation\n", key)
		case item.To != "":
			_, _ = fmt.Fprintf(w, "%s: renamed to %s\n", key, item.To)
		case item.NewlyCreated:
			_, _ = fmt.Fprintf(w, "%s: created\n", key)
		default:
			_, _ = fmt.Fprintf(w, "%s: ok\n", key)
		}
	}
	if callErr != nil {
		return callErr
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d items failed", failed, len(keys))
	}
	return nil
}

var errArgs = errors.New("invalid arguments")
