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
	"strings"
)

const usageText = `Usage: bankctl [--url URL] [--token TOKEN|-] <command> [args]

Reads:
  params
  markets
  market <market>
  price <market>
  position <market> <user>
  health <market> <user>
  events [--market M] [--user U] [--type T] [--after SEQ] [--limit N]

Writes (token subject must match the acting account):
  deposit <market> <user> <amount>
  withdraw <market> <user> <amount>
  emergency-withdraw <market> <user> <amount>
  borrow <market> <user> <amount> [minAmountOut]
  repay <market> <user> <amount> [maxAmountIn]
  deposit-and-borrow <market> <user> <deposit> <borrow> [minAmountOut]
  repay-and-withdraw <market> <user> <repay> <withdraw> [maxAmountIn]
  liquidate <market> <liquidator> <user> <debtAmount>

Admin (requires the bank:admin scope):
  pause <caller> <bank|router>
  unpause <caller> <bank|router>
  keeper [scan]
  export <output.parquet> [--market M] [--user U] [--type T]

Tokens:
  token --sub ADDRESS [--scope "bank:admin"] [--ttl 1h] [--issuer I] [--audience A]
`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, nil))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, httpClient *http.Client) int {
	global := flag.NewFlagSet("bankctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	baseURL := global.String("url", envOr("BANKCTL_URL", "http://127.0.0.1:8080"), "bankd HTTP endpoint")
	token := global.String("token", os.Getenv("BANKCTL_TOKEN"), `bearer token for writes and admin calls ("-" prompts)`)
	global.Usage = func() { fmt.Fprint(stderr, usageText) }
	if err := global.Parse(args); err != nil {
		return 1
	}
	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprint(stderr, usageText)
		return 1
	}

	command, params := strings.ToLower(rest[0]), rest[1:]
	if command == "token" {
		return runTokenCommand(params, stdout, stderr)
	}

	bearer := *token
	if bearer == "-" {
		prompted, err := tokenPrompt()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		bearer = prompted
	}
	c := newClient(*baseURL, bearer, httpClient)
	result, err := dispatch(ctx, c, command, params, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if isAPIError(err, http.StatusUnauthorized) {
			fmt.Fprintln(stderr, "hint: pass --token or set BANKCTL_TOKEN")
		}
		return 1
	}
	if result != nil {
		printJSON(stdout, result)
	}
	return 0
}

func dispatch(ctx context.Context, c *client, command string, args []string, stdout io.Writer) (json.RawMessage, error) {
	switch command {
	case "params":
		return c.get(ctx, "/v1/params", nil)
	case "markets":
		return c.get(ctx, "/v1/markets", nil)
	case "market":
		if err := need(args, 1, "market <market>"); err != nil {
			return nil, err
		}
		return c.get(ctx, "/v1/markets/"+url.PathEscape(args[0]), nil)
	case "price":
		if err := need(args, 1, "price <market>"); err != nil {
			return nil, err
		}
		return c.get(ctx, "/v1/markets/"+url.PathEscape(args[0])+"/price", nil)
	case "position", "health":
		if err := need(args, 2, command+" <market> <user>"); err != nil {
			return nil, err
		}
		path := "/v1/markets/" + url.PathEscape(args[0]) + "/positions/" + url.PathEscape(args[1])
		if command == "health" {
			path += "/health"
		}
		return c.get(ctx, path, nil)
	case "events":
		query, err := parseFilterFlags("events", args)
		if err != nil {
			return nil, err
		}
		return c.get(ctx, "/v1/events", query)

	case "deposit", "withdraw", "emergency-withdraw":
		if err := need(args, 3, command+" <market> <user> <amount>"); err != nil {
			return nil, err
		}
		return c.post(ctx, "/v1/"+command, amountBody(args, ""))
	case "borrow", "repay":
		if err := need(args, 3, command+" <market> <user> <amount> [bound]"); err != nil {
			return nil, err
		}
		return c.post(ctx, "/v1/"+command, amountBody(args, optional(args, 3)))
	case "deposit-and-borrow":
		if err := need(args, 4, "deposit-and-borrow <market> <user> <deposit> <borrow> [minAmountOut]"); err != nil {
			return nil, err
		}
		return c.post(ctx, "/v1/deposit-and-borrow", map[string]string{
			"market":        args[0],
			"user":          args[1],
			"depositAmount": args[2],
			"borrowAmount":  args[3],
			"minAmountOut":  optional(args, 4),
		})
	case "repay-and-withdraw":
		if err := need(args, 4, "repay-and-withdraw <market> <user> <repay> <withdraw> [maxAmountIn]"); err != nil {
			return nil, err
		}
		return c.post(ctx, "/v1/repay-and-withdraw", map[string]string{
			"market":         args[0],
			"user":           args[1],
			"repayAmount":    args[2],
			"withdrawAmount": args[3],
			"maxAmountIn":    optional(args, 4),
		})
	case "liquidate":
		if err := need(args, 4, "liquidate <market> <liquidator> <user> <debtAmount>"); err != nil {
			return nil, err
		}
		return c.post(ctx, "/v1/liquidate", map[string]string{
			"market":     args[0],
			"liquidator": args[1],
			"user":       args[2],
			"debtAmount": args[3],
		})

	case "pause", "unpause":
		if err := need(args, 2, command+" <caller> <bank|router>"); err != nil {
			return nil, err
		}
		return c.post(ctx, "/v1/admin/"+command, map[string]string{"caller": args[0], "target": args[1]})
	case "keeper":
		if len(args) > 0 && strings.EqualFold(args[0], "scan") {
			return c.post(ctx, "/v1/admin/keeper/scan", nil)
		}
		return c.get(ctx, "/v1/admin/keeper", nil)
	case "export":
		if err := need(args, 1, "export <output.parquet> [filters]"); err != nil {
			return nil, err
		}
		return nil, exportEvents(ctx, c, args[0], args[1:], stdout)
	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
}

func exportEvents(ctx context.Context, c *client, output string, args []string, stdout io.Writer) error {
	query, err := parseFilterFlags("export", args)
	if err != nil {
		return err
	}
	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	headers, err := c.download(ctx, "/v1/admin/events/export", query, file)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(output)
		return err
	}
	fmt.Fprintf(stdout, "wrote %s rows to %s\n", headers.Get("X-Row-Count"), output)
	return nil
}

func parseFilterFlags(name string, args []string) (url.Values, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	market := fs.String("market", "", "market id")
	user := fs.String("user", "", "account address")
	eventType := fs.String("type", "", "event type")
	after := fs.String("after", "", "only events with a greater sequence")
	limit := fs.String("limit", "", "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	query := url.Values{}
	for key, value := range map[string]string{"market": *market, "user": *user, "type": *eventType, "after": *after, "limit": *limit} {
		if strings.TrimSpace(value) != "" {
			query.Set(key, strings.TrimSpace(value))
		}
	}
	return query, nil
}

func amountBody(args []string, bound string) map[string]string {
	body := map[string]string{"market": args[0], "user": args[1], "amount": args[2]}
	if bound != "" {
		body["bound"] = bound
	}
	return body
}

func need(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: bankctl %s", usage)
	}
	return nil
}

func optional(args []string, i int) string {
	if i < len(args) {
		return strings.TrimSpace(args[i])
	}
	return ""
}

func printJSON(w io.Writer, raw json.RawMessage) {
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		fmt.Fprintln(w, string(raw))
		return
	}
	pretty, _ := json.MarshalIndent(decoded, "", "  ")
	fmt.Fprintln(w, string(pretty))
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
