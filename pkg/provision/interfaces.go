package provision

import "context"

//go:generate mockgen -source=interfaces.go -package=mock -destination=./mock/mock_provision.go

// Provisioner ensures one or more external resources exist in their desired
// state. Ensure must be idempotent: re-running against an already-provisioned
// target converges to the same end state without error or duplication.
type Provisioner interface {
	Name() string
	Ensure(ctx context.Context) ([]Result, error)
}
