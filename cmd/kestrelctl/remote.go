package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/registry"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	csvFlag = &cli.StringFlag{
		Name:  "csv",
		Usage: "Labelled CSV (Time, V1..V28, Amount, Class)",
	}

	merchantFlag = &cli.StringFlag{
		Name:  "merchant",
		Usage: "Merchant name passed to the business-rule overlay",
	}

	algorithmFlag = &cli.StringFlag{
		Name:  "algorithm",
		Usage: fmt.Sprintf("Algorithm to score with [%s] (default: active)", strings.Join(domain.Algorithms, ", ")),
	}

	localFlag = &cli.BoolFlag{
		Name:  "local",
		Usage: "Train in this process instead of on the server",
	}

	trainCmd = &cli.Command{
		Name:      "train",
		Usage:     "Train an algorithm on the reference dataset",
		ArgsUsage: "<algorithm>",
		Flags: []cli.Flag{
			localFlag,
			csvFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name, err := algorithmArg(cmd)
			if err != nil {
				return err
			}
			if cmd.Bool(localFlag.Name) {
				m, err := trainLocal(ctx, name, cmd.String(csvFlag.Name))
				if err != nil {
					return err
				}
				return printOut(cmd, m)
			}
			c, err := clientFor(ctx, cmd)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := c.post(ctx, "/train/"+name, nil, &out); err != nil {
				return err
			}
			return printOut(cmd, out)
		},
	}

	selectCmd = &cli.Command{
		Name:      "select",
		Usage:     "Switch the active algorithm",
		ArgsUsage: "<algorithm>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name, err := algorithmArg(cmd)
			if err != nil {
				return err
			}
			c, err := clientFor(ctx, cmd)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := c.post(ctx, "/select/"+name, nil, &out); err != nil {
				return err
			}
			return printOut(cmd, out)
		},
	}

	algorithmsCmd = &cli.Command{
		Name:  "algorithms",
		Usage: "List algorithms, trained models and the active one",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c, err := clientFor(ctx, cmd)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := c.get(ctx, "/algorithms", &out); err != nil {
				return err
			}
			return printOut(cmd, out)
		},
	}

	rowFlag = &cli.IntFlag{
		Name:  "row",
		Usage: "Zero-based CSV row to score",
	}

	scoreCmd = &cli.Command{
		Name:  "score",
		Usage: "Score one transaction read from a JSON file, stdin (-) or a CSV row",
		Flags: []cli.Flag{
			csvFlag,
			rowFlag,
			merchantFlag,
			algorithmFlag,
		},
		ArgsUsage: "[payload.json | -]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			payload, err := scorePayload(cmd)
			if err != nil {
				return err
			}
			c, err := clientFor(ctx, cmd)
			if err != nil {
				return err
			}
			var res domain.ScoreResult
			if err := c.post(ctx, scorePath(cmd.String(algorithmFlag.Name)), payload, &res); err != nil {
				return err
			}
			return printOut(cmd, res)
		},
	}

	userFlag = &cli.StringFlag{
		Name:  "user",
		Usage: "User ID the message is sent as",
		Value: "1",
	}

	chatCmd = &cli.Command{
		Name:      "chat",
		Usage:     "Send one message to the chatbot",
		ArgsUsage: "<message>",
		Flags: []cli.Flag{
			userFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			msg := strings.Join(cmd.Args().Slice(), " ")
			if strings.TrimSpace(msg) == "" {
				return fmt.Errorf("message is required")
			}
			c, err := clientFor(ctx, cmd)
			if err != nil {
				return err
			}
			var out struct {
				Response string `json:"response"`
			}
			body := map[string]string{"message": msg, "user_id": cmd.String(userFlag.Name)}
			if err := c.post(ctx, "/chatbot/message", body, &out); err != nil {
				return err
			}
			fmt.Println(out.Response)
			return nil
		},
	}
)

// trainLocal fits name with the configured hyperparameters and returns its
// held-out metrics. Nothing is persisted.
func trainLocal(ctx context.Context, name, path string) (*domain.Metrics, error) {
	cfg, err := domain.LoadConfig()
	if err != nil {
		return nil, err
	}
	if path != "" {
		cfg.Model.DatasetPath = path
	}
	return registry.New(cfg.Model, dataset.NewLoader()).Train(ctx, name)
}

func algorithmArg(cmd *cli.Command) (string, error) {
	name := strings.ToLower(cmd.Args().First())
	if name == "" {
		return "", fmt.Errorf("algorithm is required [%s]", strings.Join(domain.Algorithms, ", "))
	}
	return url.PathEscape(name), nil
}

func scorePath(algorithm string) string {
	if algorithm == "" {
		return "/score"
	}
	return "/score?algorithm=" + url.QueryEscape(algorithm)
}

func scorePayload(cmd *cli.Command) (map[string]any, error) {
	var payload map[string]any
	if path := cmd.String(csvFlag.Name); path != "" {
		ds, err := dataset.LoadFile(path)
		if err != nil {
			return nil, err
		}
		row := cmd.Int(rowFlag.Name)
		if row < 0 || row >= ds.Len() {
			return nil, fmt.Errorf("row %d out of range [0, %d)", row, ds.Len())
		}
		payload = rowPayload(ds.Order, ds.X[row])
	} else {
		var r io.Reader
		switch arg := cmd.Args().First(); arg {
		case "":
			return nil, fmt.Errorf("a payload file, - or --csv is required")
		case "-":
			r = os.Stdin
		default:
			f, err := os.Open(arg)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			r = f
		}
		if err := json.NewDecoder(r).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if payload == nil {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	if m := cmd.String(merchantFlag.Name); m != "" {
		payload["merchant"] = m
	}
	return payload, nil
}

// rowPayload flattens a dataset row into the /score request body.
func rowPayload(order []string, values []float64) map[string]any {
	payload := make(map[string]any, len(order)+1)
	for i, name := range order {
		payload[name] = values[i]
	}
	return payload
}

func printOut(cmd *cli.Command, v any) error {
	if f := cmd.String(formatFlag.Name); f == formatYAML || f == "yml" {
		// Round-trip through JSON so yaml keys follow the API field names.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		return enc.Encode(generic)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
