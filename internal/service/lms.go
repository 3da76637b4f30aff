package service

import (
	"context"

	"github.com/bigkaa/enrollsync/internal/lms"
)

// Операции LMS, которые использует сервисный слой.
// Реализуются *lms.Client; в тестах подменяются fake-реализациями.

// LMSUsers — пользователи LMS.
type LMSUsers interface {
	CreateUser(ctx context.Context, in lms.CreateUserRequest) (*lms.User, error)
	FindUserByEmail(ctx context.Context, email string) (*lms.User, error)
}

// LMSGroups — группы LMS.
type LMSGroups interface {
	AddUserToGroup(ctx context.Context, remoteUserID, groupName string) error
}

// LMSEnrollments — зачисления LMS.
type LMSEnrollments interface {
	CreateEnrollment(ctx context.Context, in lms.CreateEnrollmentRequest) (*lms.Enrollment, error)
	ListEnrollments(ctx context.Context, page, limit int) (*lms.EnrollmentPage, error)
	GetEnrollment(ctx context.Context, id string) (*lms.Enrollment, error)
}

var (
	_ LMSUsers       = (*lms.Client)(nil)
	_ LMSGroups      = (*lms.Client)(nil)
	_ LMSEnrollments = (*lms.Client)(nil)
)
