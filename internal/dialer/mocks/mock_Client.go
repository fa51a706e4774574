// Package mocks provides test doubles for the dialer client.
package mocks

import (
	"context"

	dialer "github.com/sells-group/collection-cli/internal/dialer"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// SubmitBatch provides a mock function with given fields: ctx, batch
func (_m *MockClient) SubmitBatch(ctx context.Context, batch dialer.Batch) (string, error) {
	ret := _m.Called(ctx, batch)

	if len(ret) == 0 {
		panic("no return value specified for SubmitBatch")
	}

	var r0 string
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, dialer.Batch) (string, error)); ok {
		return rf(ctx, batch)
	}
	if rf, ok := ret.Get(0).(func(context.Context, dialer.Batch) string); ok {
		r0 = rf(ctx, batch)
	} else {
		r0 = ret.Get(0).(string)
	}

	if rf, ok := ret.Get(1).(func(context.Context, dialer.Batch) error); ok {
		r1 = rf(ctx, batch)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// FetchOutcome provides a mock function with given fields: ctx, taskID
func (_m *MockClient) FetchOutcome(ctx context.Context, taskID string) (*dialer.TaskOutcome, error) {
	ret := _m.Called(ctx, taskID)

	if len(ret) == 0 {
		panic("no return value specified for FetchOutcome")
	}

	var r0 *dialer.TaskOutcome
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string) (*dialer.TaskOutcome, error)); ok {
		return rf(ctx, taskID)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string) *dialer.TaskOutcome); ok {
		r0 = rf(ctx, taskID)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*dialer.TaskOutcome)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string) error); ok {
		r1 = rf(ctx, taskID)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockClient creates a new instance of MockClient.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	mock := &MockClient{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
