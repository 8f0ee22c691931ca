package prompts

import (
	"github.com/stretchr/testify/mock"
)

// MockPrompt is a mock implementation of the Prompt interface for testing.
type MockPrompt struct {
	mock.Mock
}

// Confirm mocks the Confirm method.
func (m *MockPrompt) Confirm(msg string, defvalue bool) (bool, error) {
	args := m.Called(msg, defvalue)
	return args.Bool(0), args.Error(1)
}

// NewMock creates a new mock prompt instance.
func NewMock() *MockPrompt {
	return &MockPrompt{}
}
