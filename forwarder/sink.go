package forwarder

import (
	"context"
	"fmt"

	"github.com/warp/case-ledger/service"
)

// Applier is the part of service.Service the in-process sink needs.
type Applier interface {
	CreateCase(ctx context.Context, scope service.Scope, msg service.Message, cmd service.CreateCase) (service.Result, error)
	SetCaseStatus(ctx context.Context, scope service.Scope, msg service.Message, cmd service.SetCaseStatus) (service.Result, error)
	Delete(ctx context.Context, scope service.Scope) error
	DeleteSubject(ctx context.Context, subjectID string) error
}

// ServiceSink applies events directly to a service in the same process.
type ServiceSink struct {
	svc Applier
}

func NewServiceSink(svc Applier) *ServiceSink {
	return &ServiceSink{svc: svc}
}

func (s *ServiceSink) CreateCase(ctx context.Context, scope service.Scope, msg service.Message, cmd service.CreateCase) error {
	_, err := s.svc.CreateCase(ctx, scope, msg, cmd)
	return translate(err)
}

// SetCaseStatus treats a stale case as done: the revision already accounts
// for it.
func (s *ServiceSink) SetCaseStatus(ctx context.Context, scope service.Scope, msg service.Message, cmd service.SetCaseStatus) error {
	_, err := s.svc.SetCaseStatus(ctx, scope, msg, cmd)
	return translate(err)
}

func (s *ServiceSink) DeleteScope(ctx context.Context, scope service.Scope) error {
	return translate(s.svc.Delete(ctx, scope))
}

func (s *ServiceSink) DeleteSubject(ctx context.Context, subjectID string) error {
	return translate(s.svc.DeleteSubject(ctx, subjectID))
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case service.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case service.IsClientError(err):
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	// Everything else, corrupt snapshots included, is retried: the stream
	// stalls until an operator intervenes.
	return err
}
