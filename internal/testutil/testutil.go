package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/auth"
	"github.com/hugh/tenantgate/internal/database"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/hugh/tenantgate/pkg/util"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestDB creates an in-memory SQLite database for testing. The pool is
// pinned to one connection because every ":memory:" connection is its own
// database.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

// CleanupTestDB closes the test database connection
func CleanupTestDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	sqlDB, err := db.DB()
	if err != nil {
		t.Logf("warning: failed to get sql.DB: %v", err)
		return
	}
	sqlDB.Close()
}

// CreateTestOrg creates an organization in the given status together with
// its owner membership.
func CreateTestOrg(t *testing.T, db *gorm.DB, status models.OrgStatus) *models.Organization {
	t.Helper()

	org := &models.Organization{
		Base: models.Base{
			ID: uuid.New(),
		},
		Name:        "Test Organization",
		Slug:        util.UniqueSlug("test org"),
		OwnerUserID: uuid.New(),
		Status:      status,
		Version:     1,
	}

	if err := db.Create(org).Error; err != nil {
		t.Fatalf("failed to create test organization: %v", err)
	}

	CreateTestMember(t, db, org, org.OwnerUserID, models.RoleOwner)
	return org
}

// CreateTestMember adds userID to org with role.
func CreateTestMember(t *testing.T, db *gorm.DB, org *models.Organization, userID uuid.UUID, role models.MemberRole) *models.OrgMembership {
	t.Helper()

	member := &models.OrgMembership{
		UserID:         userID,
		OrganizationID: org.ID,
		Role:           role,
	}

	if err := db.Create(member).Error; err != nil {
		t.Fatalf("failed to create test membership: %v", err)
	}

	return member
}

// CreateTestPlan stores a catalog plan and maps priceRefs to it.
func CreateTestPlan(t *testing.T, db *gorm.DB, slug string, limits models.PlanLimits, priceRefs ...string) *models.Plan {
	t.Helper()

	plan := &models.Plan{
		Slug:     slug,
		Name:     slug,
		Limits:   limits,
		IsActive: true,
	}
	if err := db.Create(plan).Error; err != nil {
		t.Fatalf("failed to create test plan: %v", err)
	}

	for _, ref := range priceRefs {
		price := &models.PlanPrice{PriceRef: ref, PlanSlug: slug}
		if err := db.Create(price).Error; err != nil {
			t.Fatalf("failed to create test price mapping: %v", err)
		}
	}

	return plan
}

// CreateTestSnapshot creates an active snapshot for org on the given plan.
func CreateTestSnapshot(t *testing.T, db *gorm.DB, org *models.Organization, planSlug string, limits models.PlanLimits) *models.EntitlementSnapshot {
	t.Helper()

	now := time.Now().UTC()
	end := now.AddDate(0, 1, 0)
	snap := &models.EntitlementSnapshot{
		OrganizationID:         org.ID,
		ExternalSubscriptionID: "sub_" + uuid.New().String()[:12],
		ExternalCustomerID:     "cus_" + uuid.New().String()[:12],
		Status:                 models.SubscriptionActive,
		PeriodStart:            &now,
		PeriodEnd:              &end,
		PlanSlug:               planSlug,
		Limits:                 limits,
		LimitsSyncedAt:         now,
		Usage:                  models.UsageCounters{CurrentMembers: 1},
		LastAppliedEventAt:     now.Add(-time.Hour),
		Version:                1,
	}

	if err := db.Create(snap).Error; err != nil {
		t.Fatalf("failed to create test snapshot: %v", err)
	}

	return snap
}

// CreateTestJWTService creates a JWT service for testing
func CreateTestJWTService() *auth.JWTService {
	return auth.NewJWTService("test-secret-key-for-testing", 24*time.Hour)
}

// GenerateTestToken generates a valid JWT token for userID
func GenerateTestToken(t *testing.T, jwtService *auth.JWTService, userID uuid.UUID, scope string) string {
	t.Helper()

	token, err := jwtService.GenerateToken(userID, userID.String()[:8]+"@example.com", scope)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}

	return token
}

// AuthenticatedRequest creates an HTTP request with authentication
func AuthenticatedRequest(t *testing.T, method, path string, body interface{}, token string) *http.Request {
	t.Helper()

	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req
}

// UnauthenticatedRequest creates an HTTP request without authentication
func UnauthenticatedRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	return AuthenticatedRequest(t, method, path, body, "")
}

// AssertStatus checks if the response has the expected status code
func AssertStatus(t *testing.T, rr *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if rr.Code != expected {
		t.Errorf("expected status %d, got %d. Body: %s", expected, rr.Code, rr.Body.String())
	}
}

// ParseJSONResponse parses the response body into the given struct
func ParseJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()

	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response body: %v. Body: %s", err, rr.Body.String())
	}
}

// TestContext creates a context with a timeout for tests
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestSetup holds all the common test dependencies
type TestSetup struct {
	DB         *gorm.DB
	JWTService *auth.JWTService
	Org        *models.Organization
	Token      string
}

// NewTestContext creates a DB with an ACTIVE organization and a member
// token for its owner.
func NewTestContext(t *testing.T) *TestSetup {
	t.Helper()

	db := SetupTestDB(t)
	jwtService := CreateTestJWTService()
	org := CreateTestOrg(t, db, models.OrgStatusActive)
	token := GenerateTestToken(t, jwtService, org.OwnerUserID, auth.ScopeMember)

	return &TestSetup{
		DB:         db,
		JWTService: jwtService,
		Org:        org,
		Token:      token,
	}
}

// Cleanup closes the test database
func (ts *TestSetup) Cleanup() {
	if ts.DB != nil {
		sqlDB, err := ts.DB.DB()
		if err == nil {
			sqlDB.Close()
		}
	}
}
