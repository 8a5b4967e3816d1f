package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys recorded on GridFTP spans.
const (
	AttrOperation   = "gridftp.operation"
	AttrOpID        = "gridftp.op_id"
	AttrURL         = "gridftp.url"
	AttrSrcURL      = "gridftp.src_url"
	AttrDstURL      = "gridftp.dst_url"
	AttrEndpoint    = "server.address"
	AttrMode        = "gridftp.mode"
	AttrParallelism = "gridftp.parallelism"
	AttrTCPBuffer   = "gridftp.tcp_buffer"
	AttrStriped     = "gridftp.striped"
	AttrBytes       = "gridftp.bytes"
	AttrStripe      = "gridftp.stripe"
	AttrReplyCode   = "ftp.reply_code"
	AttrCommand     = "ftp.command"
	AttrStatus      = "gridftp.status"
)

// Span and event names.
const (
	SpanPrefix = "gridftp."

	EventControlConnected = "control.connected"
	EventDataStream       = "data.stream_opened"
	EventMarker           = "perf.marker"
	EventAbort            = "abort.requested"
)

func Operation(op string) attribute.KeyValue {
	return attribute.String(AttrOperation, op)
}

func OpID(id string) attribute.KeyValue {
	return attribute.String(AttrOpID, id)
}

func URL(u string) attribute.KeyValue {
	return attribute.String(AttrURL, u)
}

func SrcURL(u string) attribute.KeyValue {
	return attribute.String(AttrSrcURL, u)
}

func DstURL(u string) attribute.KeyValue {
	return attribute.String(AttrDstURL, u)
}

func Endpoint(hostport string) attribute.KeyValue {
	return attribute.String(AttrEndpoint, hostport)
}

func Mode(m string) attribute.KeyValue {
	return attribute.String(AttrMode, m)
}

func Parallelism(n int) attribute.KeyValue {
	return attribute.Int(AttrParallelism, n)
}

func TCPBuffer(n int64) attribute.KeyValue {
	return attribute.Int64(AttrTCPBuffer, n)
}

func Striped(on bool) attribute.KeyValue {
	return attribute.Bool(AttrStriped, on)
}

func Bytes(n int64) attribute.KeyValue {
	return attribute.Int64(AttrBytes, n)
}

func Stripe(idx int) attribute.KeyValue {
	return attribute.Int(AttrStripe, idx)
}

func ReplyCode(code int) attribute.KeyValue {
	return attribute.Int(AttrReplyCode, code)
}

func Status(s string) attribute.KeyValue {
	return attribute.String(AttrStatus, s)
}

// StartOperationSpan starts the root span of one client operation, named
// "gridftp.<operation>".
func StartOperationSpan(ctx context.Context, operation, opID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := make([]attribute.KeyValue, 0, len(attrs)+2)
	all = append(all, Operation(operation), OpID(opID))
	all = append(all, attrs...)
	return StartSpan(ctx, SpanPrefix+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(all...))
}
