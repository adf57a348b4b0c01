package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent      = "event"
	FieldServer     = "server"
	FieldTransport  = "transport"
	FieldTool       = "tool"
	FieldResource   = "resource"
	FieldDurationMs = "duration_ms"
)

const (
	EventConnectAttempt  = "connect_attempt"
	EventConnectSuccess  = "connect_success"
	EventConnectFailure  = "connect_failure"
	EventDisconnect      = "disconnect"
	EventDiscoverSuccess = "discover_success"
	EventDiscoverFailure = "discover_failure"
	EventInvokeSuccess   = "invoke_success"
	EventInvokeFailure   = "invoke_failure"
	EventHostStart       = "host_start"
	EventHostStop        = "host_stop"
	EventTokenVerify     = "token_verify"
	EventTokenRefresh    = "token_refresh"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func ServerField(server string) zap.Field {
	return zap.String(FieldServer, server)
}

func TransportField(transport string) zap.Field {
	return zap.String(FieldTransport, transport)
}

func ToolField(tool string) zap.Field {
	return zap.String(FieldTool, tool)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}
