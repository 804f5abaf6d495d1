// Command spacectl inspects a running space broker over HTTP.
//
//	spacectl [--addr URL] [--json] dump
//	spacectl [--addr URL] health
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/davidleathers/space-broker/internal/api/rest"
)

func main() {
	flags := pflag.NewFlagSet("spacectl", pflag.ContinueOnError)
	addr := flags.String("addr", "http://localhost:8080", "broker base URL")
	asJSON := flags.Bool("json", false, "print the raw JSON response")
	timeout := flags.Duration("timeout", 5*time.Second, "request timeout")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: spacectl [flags] dump|health\n\n%s", flags.FlagUsages())
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := &client{base: strings.TrimRight(*addr, "/"), http: http.DefaultClient}
	var err error
	switch flags.Arg(0) {
	case "dump":
		err = c.dump(ctx, os.Stdout, *asJSON)
	case "health":
		err = c.health(ctx, os.Stdout)
	default:
		flags.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "spacectl: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	base string
	http *http.Client
}

func (c *client) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading %s: %w", path, err)
	}
	return body, resp.StatusCode, nil
}

func (c *client) dump(ctx context.Context, out io.Writer, raw bool) error {
	body, status, err := c.get(ctx, "/debug/spaces")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("GET /debug/spaces: unexpected status %d", status)
	}
	if raw {
		_, err := out.Write(body)
		return err
	}

	var resp rest.SpacesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding space dump: %w", err)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SPACE\tLOCAL\tUSERS\tWATCHERS\tMETADATA")
	for _, sp := range resp.Spaces {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			sp.Name, sp.LocalName, sp.UserCount, sp.WatcherCount, strings.Join(sp.MetadataKeys, ","))
	}
	fmt.Fprintf(w, "\n%d spaces\n", resp.Count)
	return w.Flush()
}

func (c *client) health(ctx context.Context, out io.Writer) error {
	body, status, err := c.get(ctx, "/healthz")
	if err != nil {
		return err
	}
	var resp rest.HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding health: %w", err)
	}
	fmt.Fprintf(out, "%s (node %s, version %s)\n", resp.Status, resp.NodeID, resp.Version)
	for name, check := range resp.Checks {
		line := fmt.Sprintf("  %s: %s", name, check.Status)
		if check.Error != "" {
			line += " " + check.Error
		}
		fmt.Fprintln(out, line)
	}
	if status != http.StatusOK {
		return fmt.Errorf("broker is unhealthy")
	}
	return nil
}
