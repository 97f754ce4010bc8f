package store

import (
	"context"
	"errors"
	"time"

	"github.com/Sh00ty/patrol/internal/models"
)

var (
	ErrCheckNotFound   = errors.New("check not found")
	ErrContactNotFound = errors.New("alert contact not found")
	ErrDuplicateCheck  = errors.New("check with this name already exists for user")
	ErrCheckIDTaken    = errors.New("check id already in use")
)

// Store is the full check store surface shared by every backend.
type Store interface {
	ListDueChecks(ctx context.Context, now time.Time) ([]models.CheckDefinition, error)
	StampChecked(ctx context.Context, ids []models.CheckID, now time.Time) error

	GetStatus(ctx context.Context, id models.CheckID) (models.CheckState, error)
	SetStatus(ctx context.Context, id models.CheckID, status string, errorState bool, changedAt time.Time) error
	SetErrorFlag(ctx context.Context, id models.CheckID, errorState bool) error

	CreateCheck(ctx context.Context, check models.CheckDefinition) (models.CheckID, error)
	GetAlertContact(ctx context.Context, userID models.UserID) (models.AlertContact, error)
	SetAlertContact(ctx context.Context, contact models.AlertContact) error

	Close() error
}

// Validate rejects checks that can never be dispatched.
func Validate(check models.CheckDefinition) error {
	if !check.Type.Valid() {
		return errors.New("unknown check type")
	}
	if check.Interval <= 0 {
		return errors.New("check interval must be positive")
	}
	switch check.Type {
	case models.CheckTypePing, models.CheckTypePing6, models.CheckTypeTCPSocket, models.CheckTypeSteamServer:
		if check.Params.IPPort == nil {
			return errors.New("ip/port parameters are required")
		}
	case models.CheckTypeHTTPResponse:
		if check.Params.HTTP == nil {
			return errors.New("http parameters are required")
		}
	case models.CheckTypeCert:
		if check.Params.Cert == nil {
			return errors.New("cert parameters are required")
		}
	}
	return nil
}
