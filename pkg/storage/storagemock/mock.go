package storagemock

import (
	"context"

	"github.com/raterudder/solarforecast/pkg/storage"
	"github.com/raterudder/solarforecast/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetEntry(ctx context.Context, entryID string) (types.ConfigEntry, int, error) {
	args := m.Called(ctx, entryID)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.ConfigEntry), args.Int(1), args.Error(2)
	}
	return types.ConfigEntry{}, 0, nil
}

func (m *MockDatabase) ListEntries(ctx context.Context, domain string) ([]types.ConfigEntry, error) {
	args := m.Called(ctx, domain)
	if len(args) > 0 {
		if args.Get(0) == nil {
			return nil, args.Error(1)
		}
		return args.Get(0).([]types.ConfigEntry), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) CreateEntry(ctx context.Context, entry types.ConfigEntry, version int) error {
	args := m.Called(ctx, entry, version)
	return args.Error(0)
}

func (m *MockDatabase) UpdateEntry(ctx context.Context, entry types.ConfigEntry, version int) error {
	args := m.Called(ctx, entry, version)
	return args.Error(0)
}

func (m *MockDatabase) DeleteEntry(ctx context.Context, entryID string) error {
	args := m.Called(ctx, entryID)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
