package port

import (
	"context"
	"time"
)

type ProvisionRequest struct {
	Name      string
	ExpiresAt time.Time
}

// ProvisionedRoom is what the external provisioning API hands back.
type ProvisionedRoom struct {
	Name string
	URL  string
}

// RoomProvisioner creates rooms on an external conferencing service.
type RoomProvisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (ProvisionedRoom, error)
}
