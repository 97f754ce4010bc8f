package orchestrator

import (
	"errors"
	"fmt"

	"github.com/Sh00ty/patrol/internal/models"
)

var ErrMissingParams = errors.New("check has no parameters for its type")

type statusPayload struct{}

// BuildPayload renders the request body a worker expects for the check type.
func BuildPayload(check models.CheckDefinition) (any, error) {
	switch check.Type {
	case models.CheckTypeStatus:
		return statusPayload{}, nil
	case models.CheckTypePing, models.CheckTypePing6, models.CheckTypeTCPSocket, models.CheckTypeSteamServer:
		if check.Params.IPPort == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingParams, check.Type)
		}
		return *check.Params.IPPort, nil
	case models.CheckTypeHTTPResponse:
		if check.Params.HTTP == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingParams, check.Type)
		}
		return *check.Params.HTTP, nil
	case models.CheckTypeCert:
		if check.Params.Cert == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingParams, check.Type)
		}
		return *check.Params.Cert, nil
	}
	return nil, fmt.Errorf("unknown check type %d", check.Type)
}
