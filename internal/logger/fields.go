package logger

import "log/slog"

// Standard field keys for structured logging.
// Use these keys consistently so logs from the control channel, the data
// streams and the CLI can be correlated.
const (
	// Tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Operation
	KeyOpID      = "op_id"
	KeyOperation = "operation" // get, put, third_party, cksm, ...
	KeyURL       = "url"
	KeySrcURL    = "src_url"
	KeyDstURL    = "dst_url"
	KeyState     = "state"
	KeyEndpoint  = "endpoint" // host:port

	// Control channel
	KeyCommand   = "command"
	KeyReplyCode = "reply_code"
	KeyReplyMsg  = "reply_msg"

	// Data channel
	KeyMode        = "mode" // stream, extended_block
	KeyParallelism = "parallelism"
	KeyStream      = "stream"
	KeyStripe      = "stripe"
	KeyStripes     = "stripes"
	KeyOffset      = "offset"
	KeyLength      = "length"
	KeyBytes       = "bytes"
	KeyEOF         = "eof"
	KeyEODs        = "eods"
	KeyAddr        = "addr"

	// Result
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyChecksum   = "checksum"
	KeySuccess    = "success"
)

// Err returns an error attribute, or an empty attribute for nil errors
// which the handlers drop.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// OpID returns an operation id attribute
func OpID(id string) slog.Attr {
	return slog.String(KeyOpID, id)
}

// URL returns a url attribute
func URL(u string) slog.Attr {
	return slog.String(KeyURL, u)
}

// Stripe returns a stripe index attribute
func Stripe(idx int) slog.Attr {
	return slog.Int(KeyStripe, idx)
}

// Stream returns a data stream index attribute
func Stream(idx int) slog.Attr {
	return slog.Int(KeyStream, idx)
}

// Offset returns an offset attribute
func Offset(off int64) slog.Attr {
	return slog.Int64(KeyOffset, off)
}

// Bytes returns a byte count attribute
func Bytes(n int64) slog.Attr {
	return slog.Int64(KeyBytes, n)
}

// ReplyCode returns an FTP reply code attribute
func ReplyCode(code int) slog.Attr {
	return slog.Int(KeyReplyCode, code)
}
