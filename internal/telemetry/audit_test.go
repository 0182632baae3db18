package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/mocks"
)

func TestEmitPublishesEnvelope(t *testing.T) {
	pub := new(mocks.PublisherMock)
	emitter := NewAuditEmitter(pub, "audit.messaging", "messaging-service", "test", nil)
	emitter.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

	pub.On("Publish", mock.Anything, "audit.messaging", mock.Anything, map[string]string{"x-request-id": "req-1"}).Return(nil).Once()

	emitter.Emit(context.Background(), "warn", "login failed", "req-1", "")

	pub.AssertExpectations(t)
	envelope, ok := pub.Calls[0].Arguments.Get(2).(AuditEnvelope)
	require.True(t, ok)
	assert.Equal(t, "audit_log", envelope.EventType)
	assert.Equal(t, "2024-05-01T00:00:00Z", envelope.OccurredAt)
	assert.Nil(t, envelope.UserID)
	assert.Equal(t, "login failed", envelope.Payload.Text)
}

func TestEmitCarriesUser(t *testing.T) {
	pub := new(mocks.PublisherMock)
	emitter := NewAuditEmitter(pub, "audit.messaging", "messaging-service", "test", nil)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError).Once()

	emitter.Emit(context.Background(), "info", "profile updated", "", "user-1")

	envelope := pub.Calls[0].Arguments.Get(2).(AuditEnvelope)
	require.NotNil(t, envelope.UserID)
	assert.Equal(t, "user-1", *envelope.UserID)
}

func TestNilEmitterIsNoop(t *testing.T) {
	var emitter *AuditEmitter
	emitter.Emit(context.Background(), "info", "ignored", "", "")
}
