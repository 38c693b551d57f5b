package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/loykin/prefork/pkg/client"
)

func newAPIClient(apiURL string, timeout time.Duration) *client.Client {
	cfg := client.DefaultConfig()
	if apiURL != "" {
		cfg.BaseURL = apiURL
	}
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	return client.New(cfg)
}

func runStatus(flags *ClientFlags) error {
	c := newAPIClient(flags.APIUrl, flags.APITimeout)
	ctx, cancel := context.WithTimeout(context.Background(), flags.APITimeout)
	defer cancel()

	st, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	fmt.Printf("generation %d: %d/%d workers ready", st.Health.Generation, st.Health.Ready, st.Health.Workers)
	if st.Health.Degraded {
		fmt.Print(" (degraded)")
	}
	fmt.Println()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tGEN\tSTATE\tIN-FLIGHT\tLAST HEARTBEAT")
	for _, w := range st.Workers {
		beat := "-"
		if !w.LastHeartbeat.IsZero() {
			beat = time.Since(w.LastHeartbeat).Truncate(time.Millisecond).String() + " ago"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%s\n", w.ID, w.Generation, w.State, w.InFlight, beat)
	}
	return tw.Flush()
}

func runReload(flags *ClientFlags) error {
	c := newAPIClient(flags.APIUrl, flags.APITimeout)
	ctx, cancel := context.WithTimeout(context.Background(), flags.APITimeout)
	defer cancel()

	if err := c.Reload(ctx); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	fmt.Println("reload complete")
	return nil
}

func runStop(flags *StopFlags) error {
	c := newAPIClient(flags.APIUrl, flags.APITimeout)
	ctx, cancel := context.WithTimeout(context.Background(), flags.APITimeout)
	defer cancel()

	if err := c.Shutdown(ctx, !flags.Force); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if flags.Force {
		fmt.Println("shutdown requested (immediate)")
	} else {
		fmt.Println("shutdown requested (graceful)")
	}
	return nil
}
