package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/apperr"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/hugh/tenantgate/internal/entitlement"
	"gorm.io/gorm"
)

// Session is everything a request needs to authorize a member: who they are,
// which organization they act for, its entitlement and the resolved decision.
type Session struct {
	UserID       uuid.UUID
	Role         models.MemberRole
	Organization models.Organization
	Entitlement  entitlement.View
	Decision     Decision
}

// Guard is shorthand for s.Decision.Guard.
func (s *Session) Guard(route string) Verdict {
	return s.Decision.Guard(route)
}

type Assembler struct {
	db     *gorm.DB
	store  *entitlement.Store
	memo   *Memo
	logger *slog.Logger
}

// NewAssembler builds an Assembler. memo may be nil to resolve every time.
func NewAssembler(db *gorm.DB, store *entitlement.Store, memo *Memo, logger *slog.Logger) *Assembler {
	return &Assembler{db: db, store: store, memo: memo, logger: logger}
}

// Assemble loads the membership of userID, the organization and its
// entitlement, and resolves them. With orgID == uuid.Nil the member's owned
// organization is preferred, then the lowest organization id.
func (a *Assembler) Assemble(ctx context.Context, userID, orgID uuid.UUID) (*Session, error) {
	db := a.db.WithContext(ctx)

	var member models.OrgMembership
	query := db.Where("user_id = ?", userID)
	if orgID != uuid.Nil {
		query = query.Where("organization_id = ?", orgID)
	}
	err := query.
		Order(clauseOwnerFirst).
		First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("membership", userID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("loading membership: %w", err)
	}

	var org models.Organization
	err = db.First(&org, "id = ?", member.OrganizationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("organization", member.OrganizationID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("loading organization: %w", err)
	}

	ent, err := a.store.Get(ctx, org.ID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		UserID:       userID,
		Role:         member.Role,
		Organization: org,
		Entitlement:  ent,
	}
	if a.memo != nil {
		s.Decision = a.memo.Resolve(OrgOf(&org), ent, member.Role)
	} else {
		s.Decision = Resolve(OrgOf(&org), ent, member.Role)
	}

	a.logger.Debug("session assembled",
		"user_id", userID,
		"org_id", org.ID,
		"status", org.Status,
		"entitlement", ent.Source,
		"capabilities", s.Decision.Capabilities.String(),
	)
	return s, nil
}

const clauseOwnerFirst = "CASE WHEN role = 'owner' THEN 0 ELSE 1 END, organization_id"
