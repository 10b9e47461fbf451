package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vietddude/marketfetch/internal/resilience/failure"
)

// Do runs Execute with a typed fetch and decodes the result value into T.
// Values that crossed a remote store arrive as JSON and are decoded here.
func Do[T any](
	ctx context.Context,
	o *Orchestrator,
	req Request,
	fetch func(ctx context.Context) (T, error),
) (T, *Result, error) {
	var zero T

	res, err := o.Execute(ctx, req, func(ctx context.Context) (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return zero, nil, err
	}

	v, err := decode[T](res.Value)
	if err != nil {
		return zero, res, failure.New(failure.KindAPIChanged,
			fmt.Sprintf("%s value does not decode: %v", res.Source, err),
			failure.WithCause(err),
			failure.WithContext(map[string]any{"source": string(res.Source)}),
		)
	}
	return v, res, nil
}

func decode[T any](v any) (T, error) {
	var out T
	if t, ok := v.(T); ok {
		return t, nil
	}

	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return out, err
		}
		raw = b
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
