package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/openbell/openbell/internal/domain/quote"
	"github.com/openbell/openbell/internal/domain/session"
	mock "github.com/openbell/openbell/pkg/questdb/mock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"
)

// stubRow satisfies pgx.Row for QueryRow expectations.
type stubRow struct {
	scanFn func(dest ...any) error
}

func (s stubRow) Scan(dest ...any) error {
	return s.scanFn(dest...)
}

func testSession() *session.Session {
	return &session.Session{
		SessionNumber: 42,
		Market:        "NYSE",
		Instrument:    "ES",
		Year:          2026,
		Month:         3,
		Date:          2,
		Day:           "Monday",
		CapturedAt:    time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
		LastPrice:     quote.Float64Ptr(5000),
		EntryPrice:    quote.Float64Ptr(5000),
		TargetHigh:    quote.Float64Ptr(5025),
		TargetLow:     quote.Float64Ptr(4975),
		Signal:        session.SignalBuy,
		Grade:         session.GradePending,
	}
}

func TestSessionRepository_InsertBatch(t *testing.T) {
	testCases := []struct {
		name     string
		sessions []*session.Session
		mockFn   func(m *mock.MockQuestDBClient)
		assertFn func(t *testing.T, err error)
	}{
		{
			name:     "writes one row per session",
			sessions: []*session.Session{testSession(), testSession()},
			mockFn: func(m *mock.MockQuestDBClient) {
				m.EXPECT().Exec(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(),
					gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(),
					gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(),
					gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(),
					gomock.Any()).Return(nil).Times(2)
			},
			assertFn: func(t *testing.T, err error) {
				assert.NoError(t, err)
			},
		},
		{
			name:     "empty batch is a no-op",
			sessions: nil,
			mockFn:   func(m *mock.MockQuestDBClient) {},
			assertFn: func(t *testing.T, err error) {
				assert.NoError(t, err)
			},
		},
		{
			name:     "stops on first failure",
			sessions: []*session.Session{testSession(), testSession()},
			mockFn: func(m *mock.MockQuestDBClient) {
				m.EXPECT().Exec(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(),
					gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(),
					gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(),
					gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(),
					gomock.Any()).Return(errors.New("error"))
			},
			assertFn: func(t *testing.T, err error) {
				assert.Error(t, err)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			client := mock.NewMockQuestDBClient(ctrl)
			tc.mockFn(client)

			repo := NewRepository(client)
			err := repo.InsertBatch(context.Background(), tc.sessions)
			tc.assertFn(t, err)
		})
	}
}

func TestSessionRepository_ExistsForSession(t *testing.T) {
	query := `SELECT count(*) FROM market_sessions WHERE market = $1 AND session_number = $2`

	testCases := []struct {
		name     string
		count    int64
		scanErr  error
		assertFn func(t *testing.T, exists bool, err error)
	}{
		{
			name:  "rows found",
			count: 4,
			assertFn: func(t *testing.T, exists bool, err error) {
				assert.NoError(t, err)
				assert.True(t, exists)
			},
		},
		{
			name:  "no rows",
			count: 0,
			assertFn: func(t *testing.T, exists bool, err error) {
				assert.NoError(t, err)
				assert.False(t, exists)
			},
		},
		{
			name:    "scan error",
			scanErr: errors.New("error"),
			assertFn: func(t *testing.T, exists bool, err error) {
				assert.Error(t, err)
				assert.False(t, exists)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			client := mock.NewMockQuestDBClient(ctrl)
			client.EXPECT().QueryRow(gomock.Any(), query, "NYSE", int64(42)).Return(stubRow{
				scanFn: func(dest ...any) error {
					if tc.scanErr != nil {
						return tc.scanErr
					}
					*dest[0].(*int64) = tc.count
					return nil
				},
			})

			repo := NewRepository(client)
			exists, err := repo.ExistsForSession(context.Background(), "NYSE", 42)
			tc.assertFn(t, exists, err)
		})
	}
}

func TestSessionRepository_ExistsForDay(t *testing.T) {
	query := `SELECT count(*) FROM market_sessions WHERE market = $1 AND year = $2 AND month = $3 AND date = $4`

	testCases := []struct {
		name     string
		count    int64
		scanErr  error
		assertFn func(t *testing.T, exists bool, err error)
	}{
		{
			name:  "day already captured",
			count: 4,
			assertFn: func(t *testing.T, exists bool, err error) {
				assert.NoError(t, err)
				assert.True(t, exists)
			},
		},
		{
			name:  "day not captured yet",
			count: 0,
			assertFn: func(t *testing.T, exists bool, err error) {
				assert.NoError(t, err)
				assert.False(t, exists)
			},
		},
		{
			name:    "scan error",
			scanErr: errors.New("error"),
			assertFn: func(t *testing.T, exists bool, err error) {
				assert.Error(t, err)
				assert.False(t, exists)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			client := mock.NewMockQuestDBClient(ctrl)
			client.EXPECT().QueryRow(gomock.Any(), query, "NYSE", 2026, 3, 2).Return(stubRow{
				scanFn: func(dest ...any) error {
					if tc.scanErr != nil {
						return tc.scanErr
					}
					*dest[0].(*int64) = tc.count
					return nil
				},
			})

			repo := NewRepository(client)
			exists, err := repo.ExistsForDay(context.Background(), "NYSE", 2026, 3, 2)
			tc.assertFn(t, exists, err)
		})
	}
}

func TestSessionRepository_NextSessionNumber(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mock.NewMockQuestDBClient(ctrl)
	client.EXPECT().QueryRow(gomock.Any(), gomock.Any(), "NYSE").Return(stubRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*int64) = 41
			return nil
		},
	})

	repo := NewRepository(client)
	next, err := repo.NextSessionNumber(context.Background(), "NYSE")
	assert.NoError(t, err)
	assert.Equal(t, int64(42), next)
}

func TestSessionRepository_UpdateGradeIfPending(t *testing.T) {
	check := `SELECT grade FROM market_sessions WHERE market = $1 AND instrument = $2 AND session_number = $3`

	testCases := []struct {
		name     string
		mockFn   func(m *mock.MockQuestDBClient)
		assertFn func(t *testing.T, updated bool, err error)
	}{
		{
			name: "pending row transitions",
			mockFn: func(m *mock.MockQuestDBClient) {
				m.EXPECT().QueryRow(gomock.Any(), check, "NYSE", "ES", int64(42)).Return(stubRow{
					scanFn: func(dest ...any) error {
						*dest[0].(*string) = string(session.GradePending)
						return nil
					},
				})
				m.EXPECT().Exec(gomock.Any(), gomock.Any(),
					string(session.GradeWorked), "NYSE", "ES", int64(42), string(session.GradePending),
				).Return(nil)
			},
			assertFn: func(t *testing.T, updated bool, err error) {
				assert.NoError(t, err)
				assert.True(t, updated)
			},
		},
		{
			name: "terminal row is left untouched",
			mockFn: func(m *mock.MockQuestDBClient) {
				m.EXPECT().QueryRow(gomock.Any(), check, "NYSE", "ES", int64(42)).Return(stubRow{
					scanFn: func(dest ...any) error {
						*dest[0].(*string) = string(session.GradeDidntWork)
						return nil
					},
				})
			},
			assertFn: func(t *testing.T, updated bool, err error) {
				assert.NoError(t, err)
				assert.False(t, updated)
			},
		},
		{
			name: "missing row is not an error",
			mockFn: func(m *mock.MockQuestDBClient) {
				m.EXPECT().QueryRow(gomock.Any(), check, "NYSE", "ES", int64(42)).Return(stubRow{
					scanFn: func(dest ...any) error {
						return pgx.ErrNoRows
					},
				})
			},
			assertFn: func(t *testing.T, updated bool, err error) {
				assert.NoError(t, err)
				assert.False(t, updated)
			},
		},
		{
			name: "update failure surfaces",
			mockFn: func(m *mock.MockQuestDBClient) {
				m.EXPECT().QueryRow(gomock.Any(), check, "NYSE", "ES", int64(42)).Return(stubRow{
					scanFn: func(dest ...any) error {
						*dest[0].(*string) = string(session.GradePending)
						return nil
					},
				})
				m.EXPECT().Exec(gomock.Any(), gomock.Any(),
					string(session.GradeWorked), "NYSE", "ES", int64(42), string(session.GradePending),
				).Return(errors.New("error"))
			},
			assertFn: func(t *testing.T, updated bool, err error) {
				assert.Error(t, err)
				assert.False(t, updated)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			client := mock.NewMockQuestDBClient(ctrl)
			tc.mockFn(client)

			repo := NewRepository(client)
			updated, err := repo.UpdateGradeIfPending(context.Background(), "NYSE", "ES", 42, session.GradeWorked)
			tc.assertFn(t, updated, err)
		})
	}
}

func TestSessionRepository_PriorEntryPrice(t *testing.T) {
	testCases := []struct {
		name     string
		scanFn   func(dest ...any) error
		assertFn func(t *testing.T, price *float64, err error)
	}{
		{
			name: "prior session found",
			scanFn: func(dest ...any) error {
				*dest[0].(**float64) = quote.Float64Ptr(4900)
				return nil
			},
			assertFn: func(t *testing.T, price *float64, err error) {
				assert.NoError(t, err)
				assert.NotNil(t, price)
				assert.Equal(t, 4900.0, *price)
			},
		},
		{
			name: "no prior session",
			scanFn: func(dest ...any) error {
				return pgx.ErrNoRows
			},
			assertFn: func(t *testing.T, price *float64, err error) {
				assert.NoError(t, err)
				assert.Nil(t, price)
			},
		},
		{
			name: "prior session captured with no price",
			scanFn: func(dest ...any) error {
				*dest[0].(**float64) = nil
				return nil
			},
			assertFn: func(t *testing.T, price *float64, err error) {
				assert.NoError(t, err)
				assert.Nil(t, price)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			client := mock.NewMockQuestDBClient(ctrl)
			client.EXPECT().QueryRow(gomock.Any(), gomock.Any(), "NYSE", "ES", int64(42)).
				Return(stubRow{scanFn: tc.scanFn})

			repo := NewRepository(client)
			price, err := repo.PriorEntryPrice(context.Background(), "NYSE", "ES", 42)
			tc.assertFn(t, price, err)
		})
	}
}

func TestSessionRepository_ListPending(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mock.NewMockQuestDBClient(ctrl)
	rows := mock.NewMockRowsInterface(ctrl)

	client.EXPECT().Query(gomock.Any(), gomock.Any(), string(session.GradePending)).Return(rows, nil)
	rows.EXPECT().Next().Return(true)
	rows.EXPECT().Scan(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(),
		gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(),
		gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(),
		gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(dest ...any) error {
			*dest[1].(*string) = "NYSE"
			*dest[2].(*string) = "ES"
			*dest[18].(*string) = string(session.SignalBuy)
			*dest[19].(*string) = string(session.GradePending)
			return nil
		})
	rows.EXPECT().Next().Return(false)
	rows.EXPECT().Err().Return(nil)
	rows.EXPECT().Close()

	repo := NewRepository(client)
	pending, err := repo.ListPending(context.Background())
	assert.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, "ES", pending[0].Instrument)
	assert.Equal(t, session.SignalBuy, pending[0].Signal)
	assert.Equal(t, session.GradePending, pending[0].Grade)
}
