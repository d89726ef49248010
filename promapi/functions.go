package promapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

//go:embed function_defs.json
var functionDefs []byte

// ErrUnknownFunction is reported for calls to, or definitions of, a function
// without a registered handler.
var ErrUnknownFunction = errors.New("unknown function")

// Handler runs one function with the arguments object of its call.
type Handler func(ctx context.Context, args gjson.Result) (any, error)

// CallObserver is told about every function call.
type CallObserver interface {
	FunctionCalled(name string, elapsed time.Duration, err error)
}

// Functions maps function names the model may call to their handlers.
type Functions struct {
	handlers map[string]Handler
	observer CallObserver
	log      *zap.Logger
}

// NewFunctions registers the Prometheus functions backed by c.
func NewFunctions(c *Client, log *zap.Logger) *Functions {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Functions{
		handlers: make(map[string]Handler),
		log:      log,
	}
	if c == nil {
		return f
	}

	f.Register("get_metric_metadata", func(ctx context.Context, args gjson.Result) (any, error) {
		metric, err := stringArg(args, "metric_name")
		if err != nil {
			return nil, err
		}
		return c.MetricMetadata(ctx, metric)
	})
	f.Register("get_metric_labels", func(ctx context.Context, args gjson.Result) (any, error) {
		metric, err := stringArg(args, "metric_name")
		if err != nil {
			return nil, err
		}
		return c.MetricLabels(ctx, metric)
	})
	f.Register("get_metric_label_values", func(ctx context.Context, args gjson.Result) (any, error) {
		metric, err := stringArg(args, "metric_name")
		if err != nil {
			return nil, err
		}
		label, err := stringArg(args, "label")
		if err != nil {
			return nil, err
		}
		return c.MetricLabelValues(ctx, metric, label)
	})
	f.Register("query", func(ctx context.Context, args gjson.Result) (any, error) {
		q, err := stringArg(args, "query")
		if err != nil {
			return nil, err
		}
		return c.Query(ctx, q)
	})
	f.Register("get_alerts", func(ctx context.Context, _ gjson.Result) (any, error) {
		return c.Alerts(ctx)
	})
	f.Register("get_alert_query", func(ctx context.Context, args gjson.Result) (any, error) {
		name, err := stringArg(args, "alertname")
		if err != nil {
			return nil, err
		}
		return c.AlertQuery(ctx, name)
	})
	return f
}

// SetObserver registers an observer for function calls.
func (f *Functions) SetObserver(o CallObserver) {
	f.observer = o
}

// Register adds or replaces the handler for name.
func (f *Functions) Register(name string, h Handler) {
	f.handlers[name] = h
}

// Names returns the registered function names, sorted.
func (f *Functions) Names() []string {
	names := make([]string, 0, len(f.handlers))
	for name := range f.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Definitions returns the JSON function definitions shown to the model.
func (f *Functions) Definitions() string {
	return strings.TrimSpace(string(functionDefs))
}

// ValidateDefinitions checks that every definition names a registered
// function and only requires parameters it declares.
func (f *Functions) ValidateDefinitions() error {
	defs := gjson.ParseBytes(functionDefs)
	if !defs.IsArray() {
		return errors.New("function definitions must be a JSON list")
	}

	var errs error
	for i, def := range defs.Array() {
		name := def.Get("name").String()
		if name == "" {
			errs = multierr.Append(errs, fmt.Errorf("function definition %d has no name", i))
			continue
		}
		if _, ok := f.handlers[name]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrUnknownFunction, name))
		}
		props := def.Get("parameters.properties").Map()
		for _, req := range def.Get("parameters.required").Array() {
			if _, ok := props[req.String()]; !ok {
				errs = multierr.Append(errs, fmt.Errorf("function %s requires undeclared parameter %q", name, req.String()))
			}
		}
	}
	return errs
}

type callResult struct {
	Name   string `json:"name"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Call runs a list of function calls, each {"name": ..., "arguments": {...}},
// and renders their results in call order inside a <function_results> tag.
// A single call object is accepted as a list of one. Failed calls carry an
// error entry instead of a result. An empty list yields "".
func (f *Functions) Call(ctx context.Context, calls gjson.Result) string {
	var list []gjson.Result
	switch {
	case calls.IsArray():
		list = calls.Array()
	case calls.IsObject():
		list = []gjson.Result{calls}
	}
	if len(list) == 0 {
		return ""
	}

	results := make([]callResult, 0, len(list))
	for _, call := range list {
		results = append(results, f.call(ctx, call))
	}

	data, err := json.Marshal(results)
	if err != nil {
		// a result that cannot be encoded should not lose the others
		f.log.Error("Failed to encode function results", zap.Error(err))
		for i := range results {
			if _, err := json.Marshal(results[i].Result); err != nil {
				results[i] = callResult{Name: results[i].Name, Error: err.Error()}
			}
		}
		data, _ = json.Marshal(results)
	}
	return "<function_results>\n" + string(data) + "\n</function_results>"
}

func (f *Functions) call(ctx context.Context, call gjson.Result) callResult {
	name := call.Get("name").String()
	res := callResult{Name: name}

	h, ok := f.handlers[name]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownFunction, name)
		f.log.Warn("Model called an unknown function", zap.String("function", name))
		f.observe(name, 0, err)
		res.Error = err.Error()
		return res
	}

	args := call.Get("arguments")
	f.log.Info("Calling Prometheus function",
		zap.String("function", name),
		zap.String("arguments", args.Raw))

	start := time.Now()
	out, err := h(ctx, args)
	elapsed := time.Since(start)
	f.observe(name, elapsed, err)
	if err != nil {
		f.log.Warn("Prometheus function failed",
			zap.String("function", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		res.Error = err.Error()
		return res
	}

	f.log.Debug("Prometheus function returned",
		zap.String("function", name),
		zap.Duration("elapsed", elapsed))
	res.Result = out
	return res
}

func (f *Functions) observe(name string, elapsed time.Duration, err error) {
	if f.observer != nil {
		f.observer.FunctionCalled(name, elapsed, err)
	}
}

func stringArg(args gjson.Result, key string) (string, error) {
	v := args.Get(key)
	if !v.Exists() || v.String() == "" {
		return "", fmt.Errorf("missing argument %q", key)
	}
	return v.String(), nil
}
