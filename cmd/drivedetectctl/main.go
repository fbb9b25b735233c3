package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	apiAddr      = flag.String("addr", "http://127.0.0.1:8091", "Control API base URL")
	apiKey       = flag.String("api-key", os.Getenv("DRIVEDETECT_API_AUTH_KEY"), "API key sent as X-API-Key")
	outputFormat = flag.String("format", "standard", "Output format: standard, json")
	limit        = flag.Int("limit", 20, "Number of events to show")
	timeout      = flag.Duration("timeout", 10*time.Second, "Request timeout")
	version      = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "drivedetectctl"
	AppVersion = "1.0.0"
)

type command struct {
	method string
	path   string
	help   string
}

var commands = map[string]command{
	"start":          {http.MethodPost, "/api/v1/detection/start", "Start driving detection"},
	"stop":           {http.MethodPost, "/api/v1/detection/stop", "Stop driving detection"},
	"status":         {http.MethodGet, "/api/v1/detection/status", "Show detection status"},
	"permission":     {http.MethodGet, "/api/v1/detection/permission", "Show location permission state"},
	"test-broadcast": {http.MethodPost, "/api/v1/detection/test-broadcast", "Emit a synthetic DrivingStatusChanged event"},
	"events":         {http.MethodGet, "/api/v1/detection/events", "Show recent status changes"},
	"health":         {http.MethodGet, "/health", "Show daemon health"},
}

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		showUsage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := &client{base: strings.TrimSuffix(*apiAddr, "/"), key: *apiKey, http: &http.Client{}}
	if err := runCommand(ctx, c, flag.Arg(0), *outputFormat, *limit, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, c *client, name, format string, n int, out io.Writer) error {
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}

	path := cmd.path
	if name == "events" && n > 0 {
		path += "?" + url.Values{"limit": {fmt.Sprint(n)}}.Encode()
	}

	body, err := c.do(ctx, cmd.method, path)
	if err != nil {
		return err
	}

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(body)
	}
	printStandard(out, "", body)
	return nil
}

type client struct {
	base string
	key  string
	http *http.Client
}

func (c *client) do(ctx context.Context, method, path string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid response (HTTP %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode/100 != 2 {
		msg, _ := body["error"].(string)
		if details, ok := body["details"].(string); ok {
			msg += ": " + details
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
	}
	return body, nil
}

func printStandard(out io.Writer, indent string, v map[string]interface{}) {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch val := v[k].(type) {
		case map[string]interface{}:
			fmt.Fprintf(out, "%s%s:\n", indent, k)
			printStandard(out, indent+"  ", val)
		case []interface{}:
			fmt.Fprintf(out, "%s%s: %d item(s)\n", indent, k, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]interface{}); ok {
					fmt.Fprintf(out, "%s  [%d]\n", indent, i)
					printStandard(out, indent+"    ", m)
				} else {
					fmt.Fprintf(out, "%s  - %v\n", indent, item)
				}
			}
		default:
			fmt.Fprintf(out, "%s%s: %v\n", indent, k, val)
		}
	}
}

func showUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command>\n\nCommands:\n", AppName)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-16s %s\n", name, commands[name].help)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}
