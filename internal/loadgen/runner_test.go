package loadgen_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okian/rankd/internal/adapters/http/api"
	"github.com/okian/rankd/internal/adapters/repository"
	service "github.com/okian/rankd/internal/app"
	"github.com/okian/rankd/internal/domain/leaderboard"
	"github.com/okian/rankd/internal/loadgen"
	"github.com/okian/rankd/pkg/logger"
)

func TestRunAgainstInMemoryService(t *testing.T) {
	ctx := context.Background()
	reg, err := leaderboard.NewRegistry(leaderboard.DefaultCatalogue()...)
	require.NoError(t, err)

	svc := service.New(reg, repository.NewTreapStore(repository.WithLogger(logger.NewNop())),
		service.WithLogger(logger.NewNop()),
		service.WithDrainInterval(10*time.Millisecond),
	)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { _ = svc.Stop(ctx) })

	srv := httptest.NewServer(api.NewServer(svc, 100, logger.NewNop()).Router())
	t.Cleanup(srv.Close)

	stats, err := loadgen.Run(ctx, loadgen.Config{
		BaseURL:     srv.URL,
		Leaderboard: "experience",
		Entities:    50,
		Duplicates:  5,
		Workers:     4,
		Settle:      300 * time.Millisecond,
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(55), stats.Submitted)
	assert.Equal(t, int64(50), stats.Accepted)
	assert.Equal(t, int64(5), stats.Duplicate)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 50, stats.Verified)
	assert.Zero(t, stats.Mismatched)
}

func TestRunFailsWhenServiceIsDown(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	_, err := loadgen.Run(context.Background(), loadgen.Config{
		BaseURL:     url,
		Leaderboard: "experience",
		Entities:    1,
		Timeout:     time.Second,
	})
	assert.Error(t, err)
}
