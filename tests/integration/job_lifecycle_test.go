package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"chronos/pkg/api"
	"chronos/pkg/models"
	"chronos/pkg/storage/postgres"
)

// IntegrationTestSuite exercises the claim -> run -> complete lifecycle
// against a live Postgres instance. It is skipped entirely unless one is
// reachable (SetupSuite skips on dial failure, not a hard requirement).
type IntegrationTestSuite struct {
	suite.Suite
	server     *api.Server
	store      *postgres.PostgresStore
	httpServer *httptest.Server
}

func (s *IntegrationTestSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("Skipping integration tests (SKIP_INTEGRATION_TESTS=true)")
	}

	gin.SetMode(gin.TestMode)

	dbHost := getEnv("TEST_DB_HOST", "localhost")
	dbPort := getEnv("TEST_DB_PORT", "5432")
	dbUser := getEnv("TEST_DB_USER", "chronos")
	dbPass := getEnv("TEST_DB_PASS", "password")
	dbName := getEnv("TEST_DB_NAME", "chronos_test")

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		dbHost, dbPort, dbUser, dbPass, dbName,
	)

	store, err := postgres.New(connStr)
	if err != nil {
		s.T().Skipf("Skipping integration tests: %v", err)
	}
	s.store = store

	s.server = api.NewServer(api.Config{
		Port:     "0",
		JobStore: store,
		LogStore: store,
	})
}

func (s *IntegrationTestSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
}

func (s *IntegrationTestSuite) SetupTest() {
	_ = context.Background()
}

func newOneTimeJob(name string) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		Name:         name,
		TaskType:     "shell",
		Payload:      models.JSONMap{"command": "echo hello"},
		Kind:         models.JobKindOneTime,
		ScheduleTime: &now,
		Priority:     5,
		MaxRetries:   3,
		RetryDelay:   1000,
		MaxRetryDelay: 10000,
		RetryStrategyName: models.RetryStrategyExponential,
		LockTimeout:  300000,
		Status:       models.JobStatusScheduled,
		NextRunAt:    &now,
		IsActive:     true,
	}
}

// TestJobLifecycle walks a job from creation through claim to completion.
func (s *IntegrationTestSuite) TestJobLifecycle() {
	ctx := context.Background()

	job := newOneTimeJob("integration-test-job")
	require.NoError(s.T(), s.store.CreateJob(ctx, job), "failed to create job")

	retrieved, err := s.store.GetJob(ctx, job.ID)
	require.NoError(s.T(), err, "failed to retrieve job")
	assert.Equal(s.T(), job.Name, retrieved.Name)
	assert.NotEmpty(s.T(), retrieved.HumanID)

	claimed, err := s.store.ClaimOne(ctx, "test-worker-1", time.Now().UTC())
	require.NoError(s.T(), err)
	require.NotNil(s.T(), claimed, "expected a due job to be claimable")
	assert.Equal(s.T(), job.ID, claimed.ID)
	assert.Equal(s.T(), models.JobStatusQueued, claimed.Status)

	running, err := s.store.MarkRunning(ctx, claimed.ID, "test-worker-1", time.Now().UTC())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStatusRunning, running.Status)

	now := time.Now().UTC()
	completed, err := s.store.CompleteOneTime(ctx, claimed.ID, "test-worker-1", now, now.Add(5*24*time.Hour), models.JSONMap{"ok": true})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStatusCompleted, completed.Status)
}

// TestRetryBehavior exercises ScheduleRetry on a failing job.
func (s *IntegrationTestSuite) TestRetryBehavior() {
	ctx := context.Background()

	job := newOneTimeJob("retry-test-job")
	require.NoError(s.T(), s.store.CreateJob(ctx, job))

	claimed, err := s.store.ClaimOne(ctx, "test-worker-1", time.Now().UTC())
	require.NoError(s.T(), err)
	require.NotNil(s.T(), claimed)

	_, err = s.store.MarkRunning(ctx, claimed.ID, "test-worker-1", time.Now().UTC())
	require.NoError(s.T(), err)

	retried, err := s.store.ScheduleRetry(ctx, claimed.ID, "test-worker-1", time.Now().UTC().Add(time.Second), "exit 1", "")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStatusScheduled, retried.Status)
	assert.Equal(s.T(), 1, retried.RetryCount)
}

// TestConcurrentWorkers claims the same batch of due jobs from several
// worker ids and verifies no two workers ever hold the same job (P1).
func (s *IntegrationTestSuite) TestConcurrentWorkers() {
	ctx := context.Background()
	numJobs := 10

	var jobIDs []uuid.UUID
	for i := 0; i < numJobs; i++ {
		job := newOneTimeJob(fmt.Sprintf("concurrent-job-%d", i))
		require.NoError(s.T(), s.store.CreateJob(ctx, job))
		jobIDs = append(jobIDs, job.ID)
	}

	claimedBy := make(map[uuid.UUID]string)
	for i := 0; i < numJobs; i++ {
		workerID := fmt.Sprintf("worker-%d", i%3)
		claimed, err := s.store.ClaimOne(ctx, workerID, time.Now().UTC())
		require.NoError(s.T(), err)
		if claimed == nil {
			continue
		}
		_, seen := claimedBy[claimed.ID]
		assert.False(s.T(), seen, "job %s claimed twice", claimed.ID)
		claimedBy[claimed.ID] = workerID
	}

	assert.Equal(s.T(), numJobs, len(claimedBy), "every due job should be claimed exactly once")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func (s *IntegrationTestSuite) makeRequest(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reqBody []byte
	if body != nil {
		reqBody, _ = json.Marshal(body)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	return w
}

func TestIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	suite.Run(t, new(IntegrationTestSuite))
}
