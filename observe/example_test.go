package observe_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonwraymond/proxyops/observe"
)

func ExampleNewObserver() {
	cfg := observe.Config{
		ServiceName: "proxyops",
		Version:     "1.0.0",
		Tracing:     observe.TracingConfig{Enabled: true, Exporter: "none"},
		Metrics:     observe.MetricsConfig{Enabled: false},
		Logging:     observe.LoggingConfig{Enabled: false},
	}

	ctx := context.Background()
	obs, err := observe.NewObserver(ctx, cfg)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	defer func() {
		_ = obs.Shutdown(ctx)
	}()

	fmt.Println("Observer created successfully")
	// Output:
	// Observer created successfully
}

func ExampleNewObserver_validation() {
	_, err := observe.NewObserver(context.Background(), observe.Config{})
	if errors.Is(err, observe.ErrMissingServiceName) {
		fmt.Println("Caught: missing service name")
	}
	// Output:
	// Caught: missing service name
}

func ExampleOperationMeta_SpanName() {
	meta := observe.OperationMeta{Name: "fetch", ProxyID: "proxy-eu-1"}
	fmt.Println(meta.SpanName())
	// Output:
	// proxyops.dispatch.fetch
}

func ExampleNewLoggerWithWriter() {
	var buf bytes.Buffer
	logger := observe.NewLoggerWithWriter("info", &buf)

	logger.Info(context.Background(), "proxy added",
		observe.Field{Key: "proxy_id", Value: "proxy-eu-1"},
		observe.Field{Key: "password", Value: "hunter2"},
	)

	out := buf.String()
	fmt.Println(strings.Contains(out, `"proxy_id":"proxy-eu-1"`))
	fmt.Println(strings.Contains(out, "hunter2"))
	// Output:
	// true
	// false
}

func ExampleMiddleware_Wrap() {
	mw := observe.NopMiddleware()

	fetch := mw.Wrap(observe.OperationMeta{Name: "fetch", ProxyID: "proxy-eu-1"}, func(ctx context.Context) error {
		fmt.Println("fetching")
		return nil
	})

	if err := fetch(context.Background()); err != nil {
		fmt.Println("Error:", err)
	}
	// Output:
	// fetching
}
