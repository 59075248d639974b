package storagemock

import (
	"context"

	"github.com/lampwatch/lampwatch/pkg/storage"
	"github.com/lampwatch/lampwatch/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) Store(ctx context.Context, rec types.Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockDatabase) Query(ctx context.Context, q storage.Query) ([]storage.Row, error) {
	args := m.Called(ctx, q)
	if len(args) > 0 {
		rows, _ := args.Get(0).([]storage.Row)
		return rows, args.Error(1)
	}
	return nil, nil
}
