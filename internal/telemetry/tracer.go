// Package telemetry 初始化 OpenTelemetry 追踪并提供统一的 tracer 名称。
package telemetry

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName 是各组件创建 tracer 时使用的名称。
const InstrumentationName = "ChainProbe"

// Config 控制追踪导出。
type Config struct {
	Enabled     bool
	ServiceName string
	// Writer 为空时导出到标准输出。
	Writer      io.Writer
	PrettyPrint bool
}

// Init 安装全局 TracerProvider，返回关闭函数。未启用时返回空操作。
func Init(cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "chainprobe"
	}

	var opts []stdouttrace.Option
	if cfg.Writer != nil {
		opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
	}
	if cfg.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	if logger != nil {
		logger.Info("OpenTelemetry 已初始化", slog.String("service", cfg.ServiceName))
	}
	return tp.Shutdown, nil
}

// Tracer 返回项目统一的 tracer。
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
