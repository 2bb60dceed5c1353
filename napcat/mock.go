package napcat

import (
	"context"
	"log/slog"
	"sync"
)

// SentMessage records one delivery made through the mock gateway.
type SentMessage struct {
	Target int64
	Text   string
}

// MockGateway records messages instead of delivering them. Used in local
// development mode and in tests; individual targets can be made to fail.
type MockGateway struct {
	logger *slog.Logger

	mu         sync.Mutex
	Groups     []SentMessage
	Private    []SentMessage
	FailGroups map[int64]error
	FailUsers  map[int64]error
}

// NewMockGateway creates a mock gateway that logs every send.
func NewMockGateway(logger *slog.Logger) *MockGateway {
	return &MockGateway{logger: logger}
}

// SendGroupMessage records a group send, or fails if the group is marked.
func (m *MockGateway) SendGroupMessage(_ context.Context, groupID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailGroups[groupID]; ok {
		return err
	}
	m.Groups = append(m.Groups, SentMessage{Target: groupID, Text: text})
	if m.logger != nil {
		m.logger.Info("MOCK GROUP MESSAGE", "group_id", groupID, "text_length", len(text))
	}
	return nil
}

// SendPrivateMessage records a private send, or fails if the user is marked.
func (m *MockGateway) SendPrivateMessage(_ context.Context, userID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailUsers[userID]; ok {
		return err
	}
	m.Private = append(m.Private, SentMessage{Target: userID, Text: text})
	if m.logger != nil {
		m.logger.Info("MOCK PRIVATE MESSAGE", "user_id", userID, "text_length", len(text))
	}
	return nil
}
