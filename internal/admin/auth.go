package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Tenant is an authenticated caller of the producer/management surface.
type Tenant struct {
	ID   string
	Name string
}

// TenantAuth verifies API keys against a tenants table, generalized
// from the teacher's internal/auth/auth.go (there: a single
// hardcoded demo API key; here: a bcrypt hash per tenant row looked up
// by the caller-supplied tenant ID).
type TenantAuth struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewTenantAuth(db *sql.DB, logger *zap.Logger) *TenantAuth {
	return &TenantAuth{db: db, logger: logger}
}

// CreateTenant hashes apiKey with bcrypt and inserts a new tenant row.
func (a *TenantAuth) CreateTenant(ctx context.Context, id, name, apiKey string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash api key: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, api_key_hash) VALUES ($1, $2, $3)`,
		id, name, string(hash))
	if err != nil {
		return fmt.Errorf("failed to insert tenant: %w", err)
	}
	return nil
}

// Authenticate verifies apiKey against the stored bcrypt hash for
// tenantID.
func (a *TenantAuth) Authenticate(ctx context.Context, tenantID, apiKey string) (*Tenant, error) {
	var name, hash string
	err := a.db.QueryRowContext(ctx,
		`SELECT name, api_key_hash FROM tenants WHERE id = $1`, tenantID).
		Scan(&name, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unknown tenant")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up tenant: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)); err != nil {
		return nil, fmt.Errorf("invalid api key")
	}
	return &Tenant{ID: tenantID, Name: name}, nil
}

// RequireAPIKey is Fiber middleware enforcing X-Tenant-ID + X-API-Key
// headers and stashing the authenticated Tenant in the request locals.
func (a *TenantAuth) RequireAPIKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenantID := c.Get("X-Tenant-ID")
		apiKey := c.Get("X-API-Key")
		if tenantID == "" || apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "X-Tenant-ID and X-API-Key headers are required",
			})
		}

		tenant, err := a.Authenticate(c.Context(), tenantID, apiKey)
		if err != nil {
			a.logger.Warn("authentication failed", zap.String("tenantId", tenantID), zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid credentials"})
		}

		c.Locals("tenant", tenant)
		return c.Next()
	}
}

// TenantFromContext retrieves the Tenant stashed by RequireAPIKey.
func TenantFromContext(c *fiber.Ctx) (*Tenant, error) {
	tenant, ok := c.Locals("tenant").(*Tenant)
	if !ok {
		return nil, fmt.Errorf("tenant not found in request context")
	}
	return tenant, nil
}
