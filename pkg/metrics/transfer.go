package metrics

import "time"

// TransferMetrics provides observability for client operations.
//
// Pass nil to a client to disable metrics collection.
//
//	m := prometheus.NewTransferMetrics()
//	client, err := gridftp.NewClient(attr, gridftp.WithMetrics(m))
type TransferMetrics interface {
	// OperationStarted increments the in-flight gauge for kind
	// (get, put, third_party, cksm, mkdir, ...).
	OperationStarted(kind string)

	// OperationFinished records a terminal operation. status is one of
	// "succeeded", "failed" or "aborted"; errorKind is empty on success.
	OperationFinished(kind, status, errorKind string, duration time.Duration)

	// BytesTransferred records payload bytes moved on data channels.
	// direction is "download" or "upload".
	BytesTransferred(kind, direction string, bytes int64)

	// StreamOpened and StreamClosed track live data connections. bytes is
	// the payload the connection carried before it closed.
	StreamOpened(kind string)
	StreamClosed(kind string, bytes int64)

	// MarkerReceived counts performance markers; source is "server" for
	// 112 replies and "local" for markers computed by the client.
	MarkerReceived(source string)

	// ControlConnection records a control connection being dialed
	// (reused=false) or taken from the cache (reused=true).
	ControlConnection(reused bool)
}
