package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemWarningsService_AddAndGet(t *testing.T) {
	svc := NewSystemWarningsService()

	id := svc.AddWarning(WarningCategoryConfigGap, "Provider needs an API key", "BRAVE_API_KEY unset", "brave-search")
	assert.NotEmpty(t, id)

	warnings := svc.GetWarnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, WarningCategoryConfigGap, warnings[0].Category)
	assert.Equal(t, "Provider needs an API key", warnings[0].Message)
	assert.Equal(t, "BRAVE_API_KEY unset", warnings[0].Details)
	assert.Equal(t, "brave-search", warnings[0].SourceID)
	assert.False(t, warnings[0].CreatedAt.IsZero())
}

func TestSystemWarningsService_ClearBySourceID(t *testing.T) {
	svc := NewSystemWarningsService()

	svc.AddWarning(WarningCategoryMCPHealth, "Server unreachable", "", "search-server")
	svc.AddWarning(WarningCategoryMCPHealth, "Server unreachable", "", "db-server")

	assert.Len(t, svc.GetWarnings(), 2)

	// Clear the recovered server's warning
	cleared := svc.ClearBySourceID(WarningCategoryMCPHealth, "search-server")
	assert.True(t, cleared)
	assert.Len(t, svc.GetWarnings(), 1)
	assert.Equal(t, "db-server", svc.GetWarnings()[0].SourceID)

	// Clear non-existent
	cleared = svc.ClearBySourceID(WarningCategoryMCPHealth, "nonexistent")
	assert.False(t, cleared)
}

func TestSystemWarningsService_ReplacesDuplicate(t *testing.T) {
	svc := NewSystemWarningsService()

	svc.AddWarning(WarningCategoryScheduleDispatch, "First failure", "err1", "daily-report")
	svc.AddWarning(WarningCategoryScheduleDispatch, "Second failure", "err2", "daily-report")

	// Should have replaced the first warning, not added a second
	warnings := svc.GetWarnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, "Second failure", warnings[0].Message)
	assert.Equal(t, "err2", warnings[0].Details)
}

func TestSystemWarningsService_Empty(t *testing.T) {
	svc := NewSystemWarningsService()
	assert.Empty(t, svc.GetWarnings())
}

func TestSystemWarningsService_ThreadSafety(t *testing.T) {
	svc := NewSystemWarningsService()
	var wg sync.WaitGroup

	// Concurrent adds
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.AddWarning("test", "msg", "", "")
		}()
	}

	// Concurrent reads
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.GetWarnings()
		}()
	}

	wg.Wait()
	// Just ensure no panics — exact count doesn't matter for concurrency test
	assert.NotNil(t, svc.GetWarnings())
}
