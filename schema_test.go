package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRPCMessageClassification(t *testing.T) {
	tests := []struct {
		name           string
		msg            JSONRPCMessage
		isRequest      bool
		isNotification bool
		isResponse     bool
	}{
		{
			name: "request",
			msg: JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      1,
				Method:  MethodToolsList,
			},
			isRequest: true,
		},
		{
			name: "notification",
			msg: JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				Method:  methodNotificationsInitialized,
			},
			isNotification: true,
		},
		{
			name: "response with result",
			msg: JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      1,
				Result:  json.RawMessage(`{}`),
			},
			isResponse: true,
		},
		{
			name: "response with error",
			msg: JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      1,
				Error:   &JSONRPCError{Code: jsonRPCMethodNotFoundCode, Message: "method not found"},
			},
			isResponse: true,
		},
		{
			name: "response missing both result and error",
			msg: JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.isRequest, tt.msg.IsRequest())
			assert.Equal(t, tt.isNotification, tt.msg.IsNotification())
			assert.Equal(t, tt.isResponse, tt.msg.IsResponse())
		})
	}
}

func TestRequestIDUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    RequestID
		wantErr bool
	}{
		{name: "number", input: `7`, want: 7},
		{name: "numeric string", input: `"42"`, want: 42},
		{name: "null", input: `null`, want: 0},
		{name: "negative number", input: `-1`, wantErr: true},
		{name: "non-numeric string", input: `"abc"`, wantErr: true},
		{name: "bool", input: `true`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id RequestID
			err := json.Unmarshal([]byte(tt.input), &id)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestJSONRPCMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  JSONRPCMessage
	}{
		{
			name: "request",
			msg: JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      3,
				Method:  MethodResourcesRead,
				Params:  json.RawMessage(`{"uri":"file:///a.txt"}`),
			},
		},
		{
			name: "notification",
			msg: JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				Method:  methodNotificationsToolsListChanged,
			},
		},
		{
			name: "result response",
			msg: JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      3,
				Result:  json.RawMessage(`{"tools":[]}`),
			},
		},
		{
			name: "error response",
			msg: JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      3,
				Error: &JSONRPCError{
					Code:    jsonRPCInvalidParamsCode,
					Message: "invalid params",
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.msg)
			require.NoError(t, err)

			var got JSONRPCMessage
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestNotificationIDOmitted(t *testing.T) {
	data, err := json.Marshal(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsInitialized,
	})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"id"`)
}

func TestRequestIDMarshalsAsNumber(t *testing.T) {
	data, err := json.Marshal(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      12,
		Method:  MethodPing,
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":12`)
}
