package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/splitvox/api/internal/client"
	"github.com/splitvox/api/internal/db/repos"
	"github.com/splitvox/api/internal/middleware"
	"github.com/splitvox/api/internal/model"
	"github.com/splitvox/api/internal/service"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "whsec_test"
)

// stubSeparator drives the handlers without a remote service.
type stubSeparator struct {
	startErr error
	status   *client.SeparationStatus
	pollErr  error
}

func (s *stubSeparator) Start(ctx context.Context, sourceRef string) (string, error) {
	if s.startErr != nil {
		return "", s.startErr
	}
	return "remote-task-1", nil
}

func (s *stubSeparator) Poll(ctx context.Context, externalJobID string) (*client.SeparationStatus, error) {
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	if s.status != nil {
		return s.status, nil
	}
	return &client.SeparationStatus{State: client.RemoteStateRunning}, nil
}

func (s *stubSeparator) FetchArtifact(ctx context.Context, artifactURL string) ([]byte, error) {
	return []byte("audio-bytes"), nil
}

func (s *stubSeparator) Cancel(ctx context.Context, externalJobID string) error {
	return nil
}

type testApp struct {
	app       *fiber.App
	ledger    *repos.LedgerRepository
	separator *stubSeparator
}

func setupApp(t *testing.T) *testApp {
	return setupAppWithBypass(t, "")
}

func setupAppWithBypass(t *testing.T, bypassToken string) *testApp {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(
		&model.Job{}, &model.CreditBalance{}, &model.CreditTransaction{}, &model.FreeTrialUsage{},
	))

	jobRepo := repos.NewJobRepository(db)
	ledgerRepo := repos.NewLedgerRepository(db)
	trialRepo := repos.NewTrialRepository(db)
	separator := &stubSeparator{}

	entitlement := service.NewEntitlementService(ledgerRepo, trialRepo, bypassToken)
	jobService := service.NewJobService(jobRepo, ledgerRepo, entitlement, separator, nil, nil, nil, nil, false, 0)
	billingService := service.NewBillingService(ledgerRepo, nil, testWebhookSecret, 1, 1)

	separationHandler := NewSeparationHandler(jobService, validator.New())
	billingHandler := NewBillingHandler(billingService)
	authMiddleware := middleware.NewAuthMiddleware(testJWTSecret)

	app := fiber.New()
	app.Post("/webhooks/payment", billingHandler.Webhook)
	api := app.Group("/api", authMiddleware.Optional())
	api.Post("/separation/submit", separationHandler.Submit)
	api.Get("/separation/status/:processId", separationHandler.Status)
	app.Get("/api/credits/balance", authMiddleware.Required(), billingHandler.Balance)

	return &testApp{app: app, ledger: ledgerRepo, separator: separator}
}

func doRequest(app *fiber.App, method, path, body string, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return app.Test(req, -1)
}

func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out), "body: %s", string(body))
	return out
}

func signBody(body string) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	result := parseJSON(t, resp)
	errObj, ok := result["error"].(map[string]interface{})
	require.True(t, ok, "expected error envelope, got %v", result)
	code, _ := errObj["code"].(string)
	return code
}
