package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/tendrl-inc-labs/go-sdk/internal/metrics"
)

var statRows = []struct{ label, family string }{
	{"enqueued", "tendrl_messages_enqueued_total"},
	{"queue full", "tendrl_queue_full_total"},
	{"delivered", "tendrl_messages_delivered_total"},
	{"offlined", "tendrl_messages_offlined_total"},
	{"replayed", "tendrl_messages_replayed_total"},
	{"expired", "tendrl_messages_expired_total"},
	{"dropped", "tendrl_messages_dropped_total"},
	{"send errors", "tendrl_send_errors_total"},
	{"queue depth", "tendrl_queue_depth"},
	{"batch target", "tendrl_batch_size_target"},
	{"load factor", "tendrl_load_factor"},
	{"healthy", "tendrl_transport_healthy"},
}

// runStats scrapes a running client's metrics endpoint and prints a summary.
func runStats(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	url := fs.String("url", "http://localhost:9464/metrics", "metrics endpoint of a running tendrl")
	timeout := fs.Duration("timeout", 5*time.Second, "scrape timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	mfs, err := metrics.Fetch(ctx, &http.Client{}, *url)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, row := range statRows {
		fmt.Fprintf(tw, "%s\t%g\n", row.label, metrics.Sum(mfs[row.family]))
	}
	return tw.Flush()
}
