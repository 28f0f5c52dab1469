package middleware

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pbinitiative/zenrepo/internal/config"
	otelint "github.com/pbinitiative/zenrepo/internal/otel"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// countingBody records how much of the request body a handler read
type countingBody struct {
	io.ReadCloser
	read int64
	err  error
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.read += int64(n)
	b.err = err
	return n, err
}

// statusWriter records the status and size of the response and injects the trace context into its headers
type statusWriter struct {
	http.ResponseWriter
	ctx   context.Context
	props propagation.TextMapPropagator

	written     int64
	status      int
	err         error
	wroteHeader bool
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	w.err = err
	return n, err
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
	w.props.Inject(w.ctx, propagation.HeaderCarrier(w.Header()))
	w.ResponseWriter.WriteHeader(status)
}

// routeParams maps repository path parameters to span attributes
var routeParams = map[string]attribute.Key{
	"id":  otelint.DefinitionIdKey,
	"key": otelint.DefinitionKeyKey,
}

// Opentelemetry traces every request and records it in metrics, which may be nil when otel is not set up.
// Spans are named by method and chi route pattern.
func Opentelemetry(conf config.Config, metrics *otelint.HttpMetrics) func(next http.Handler) http.Handler {
	tracer := otel.GetTracerProvider().Tracer("zenrepo-rest")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			props := otel.GetTextMapPropagator()
			ctx := props.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx = transferHeadersCtx(ctx, r, conf.Tracing.TransferHeaders)
			ctx, span := tracer.Start(ctx, r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.UserAgentOriginal(r.UserAgent()),
					semconv.ClientAddress(r.RemoteAddr),
				),
				trace.WithAttributes(transferHeaderAttributes(r, conf.Tracing.TransferHeaders)...),
			)
			defer span.End()
			r = r.WithContext(ctx)

			body := &countingBody{}
			if r.Body != nil {
				body.ReadCloser = r.Body
				r.Body = body
			}
			rw := &statusWriter{ResponseWriter: w, ctx: ctx, props: props}

			start := time.Now()
			next.ServeHTTP(rw, r)
			if !rw.wroteHeader {
				rw.status = http.StatusOK
			}

			route := routePattern(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(rw.status))
			span.SetAttributes(routeParamAttributes(r)...)
			setBodyAttributes(span, body, rw)
			if rw.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.status))
			}
			recordMetrics(r, metrics, route, rw, body, time.Since(start))
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return "unmatched"
}

func routeParamAttributes(r *http.Request) []attribute.KeyValue {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	var attributes []attribute.KeyValue
	for i, name := range rctx.URLParams.Keys {
		key, ok := routeParams[name]
		if !ok {
			continue
		}
		if name == "id" && rctx.RoutePattern() == "/v1/deployments/{id}" {
			key = otelint.DeploymentIdKey
		}
		attributes = append(attributes, key.String(rctx.URLParams.Values[i]))
	}
	return attributes
}

func setBodyAttributes(span trace.Span, body *countingBody, rw *statusWriter) {
	if body.read > 0 {
		span.SetAttributes(otelhttp.ReadBytesKey.Int64(body.read))
	}
	if body.err != nil && body.err != io.EOF {
		span.SetAttributes(otelhttp.ReadErrorKey.String(body.err.Error()))
	}
	if rw.written > 0 {
		span.SetAttributes(otelhttp.WroteBytesKey.Int64(rw.written))
	}
	if rw.err != nil && rw.err != io.EOF {
		span.SetAttributes(otelhttp.WriteErrorKey.String(rw.err.Error()))
		span.RecordError(rw.err)
	}
}

func recordMetrics(r *http.Request, metrics *otelint.HttpMetrics, route string, rw *statusWriter, body *countingBody, latency time.Duration) {
	if metrics == nil {
		return
	}
	tags := metric.WithAttributes(
		attribute.String("path", route),
		attribute.String("method", r.Method),
		attribute.Int("status", rw.status),
	)
	ctx := r.Context()
	metrics.Requests.Add(ctx, 1, tags)
	if body.read > 0 {
		metrics.RequestBodySize.Add(ctx, body.read, tags)
	}
	if rw.written > 0 {
		metrics.ResponseBodySize.Add(ctx, rw.written, tags)
	}
	metrics.Duration.Record(ctx, float64(latency.Microseconds())/1000, tags)
}

func transferHeadersCtx(ctx context.Context, r *http.Request, transferHeaders []string) context.Context {
	for _, header := range transferHeaders {
		ctx = context.WithValue(ctx, otelint.TransferHeaderKey(header), r.Header.Get(header))
	}
	return ctx
}

func transferHeaderAttributes(r *http.Request, transferHeaders []string) []attribute.KeyValue {
	attributes := make([]attribute.KeyValue, 0, len(transferHeaders))
	for _, header := range transferHeaders {
		attributes = append(attributes, attribute.String(header, r.Header.Get(header)))
	}
	return attributes
}
