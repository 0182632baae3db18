package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestMetadata(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws/presence?device_id=tab-1&request_id=q", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "tab-1", DeviceIDFromRequest(req))
	assert.Equal(t, "q", RequestIDFromRequest(req))
	assert.Equal(t, "10.0.0.9", IPFromRequest(req))

	req.Header.Set("X-Request-Id", "h")
	req.Header.Set("X-Real-Ip", "172.16.0.1")
	assert.Equal(t, "h", RequestIDFromRequest(req))
	assert.Equal(t, "172.16.0.1", IPFromRequest(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	assert.Equal(t, "203.0.113.7", IPFromRequest(req))
}
