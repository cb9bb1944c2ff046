// Package main runs a YAML scenario of commands against the engine and
// prints one JSON line per step.
//
// Usage: scenario <file.yaml>
//
// The engine is bootstrapped from the regular configuration, so a scenario
// runs in memory unless database.enabled is set.
//
// Import Path: keel.dev/keel/cmd/scenario
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"keel.dev/keel/internal/app"
	"keel.dev/keel/internal/config"
	"keel.dev/keel/internal/dispatch"
	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "scenario error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) != 2 {
		return fmt.Errorf("usage: %s <scenario.yaml>", os.Args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	raw, err := os.ReadFile(os.Args[1])
	if err != nil {
		return fmt.Errorf("read scenario: %w", err)
	}
	sc, err := parseScenario(raw)
	if err != nil {
		return err
	}

	ctx := context.Background()
	application, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer application.Shutdown()

	failed, err := runScenario(ctx, application.Dispatcher, sc, os.Stdout)
	if err != nil {
		return err
	}
	logger.Info("Scenario finished",
		zap.String("name", sc.Name),
		zap.Int("steps", len(sc.Steps)),
		zap.Int("failed", failed),
	)
	if failed > 0 {
		return fmt.Errorf("%d of %d steps did not match expectations", failed, len(sc.Steps))
	}
	return nil
}

// scenario is the YAML document.
type scenario struct {
	Name     string                 `yaml:"name"`
	Metadata map[string]interface{} `yaml:"metadata"`
	Steps    []step                 `yaml:"steps"`
}

type step struct {
	Aggregate string                 `yaml:"aggregate"`
	Command   string                 `yaml:"command"`
	Params    orderedParams          `yaml:"params"`
	Metadata  map[string]interface{} `yaml:"metadata"`
	// ExpectError is the error code the step must fail with. Empty expects
	// success.
	ExpectError string `yaml:"expect_error"`
}

// orderedParams decodes a YAML mapping keeping key order.
type orderedParams struct {
	domain.Params
}

func (p *orderedParams) UnmarshalYAML(node *yaml.Node) error {
	p.Params = domain.NewParams()
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: params must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var v interface{}
		if err := node.Content[i+1].Decode(&v); err != nil {
			return fmt.Errorf("line %d: param %s: %w", node.Content[i].Line, node.Content[i].Value, err)
		}
		p.Set(node.Content[i].Value, v)
	}
	return nil
}

func parseScenario(raw []byte) (scenario, error) {
	var sc scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return scenario{}, fmt.Errorf("parse scenario: %w", err)
	}
	for i, st := range sc.Steps {
		if st.Aggregate == "" || st.Command == "" {
			return scenario{}, fmt.Errorf("step %d: aggregate and command are required", i+1)
		}
	}
	return sc, nil
}

// stepResult is one output line.
type stepResult struct {
	Step      int                   `json:"step"`
	Aggregate string                `json:"aggregate"`
	Command   string                `json:"command"`
	OK        bool                  `json:"ok"`
	Event     *domain.RecordedEvent `json:"event,omitempty"`
	State     *domain.State         `json:"state,omitempty"`
	Error     *stepError            `json:"error,omitempty"`
}

type stepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// runScenario dispatches every step in order and writes the results to w.
// A step counts as failed when its outcome does not match ExpectError.
func runScenario(ctx context.Context, d *dispatch.Dispatcher, sc scenario, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	failed := 0
	for i, st := range sc.Steps {
		meta := make(map[string]interface{}, len(sc.Metadata)+len(st.Metadata))
		for k, v := range sc.Metadata {
			meta[k] = v
		}
		for k, v := range st.Metadata {
			meta[k] = v
		}

		out, err := d.Dispatch(ctx, st.Aggregate, domain.NewCommand(st.Command, st.Params.Params, meta))

		res := stepResult{Step: i + 1, Aggregate: st.Aggregate, Command: st.Command}
		code := ""
		if err != nil {
			appErr, _ := apperrors.IsAppError(apperrors.Normalize(err, false))
			code = appErr.Code
			res.Error = &stepError{Code: appErr.Code, Message: appErr.Message}
		} else {
			res.Event, res.State = &out.Event, &out.State
		}
		res.OK = code == st.ExpectError
		if !res.OK {
			failed++
		}
		if err := enc.Encode(res); err != nil {
			return failed, fmt.Errorf("write step %d: %w", i+1, err)
		}
	}
	return failed, nil
}
