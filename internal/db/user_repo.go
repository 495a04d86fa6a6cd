package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"appserver/internal/types"
)

// UserRepository provides data access for the users table. The transmitters
// read token and email from it; the invalid-target cascade clears the token
// through it.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// Get loads a user by (project, subject).
func (r *UserRepository) Get(ctx context.Context, projectID, subjectID string) (*types.User, error) {
	var u types.User
	err := r.db.QueryRow(ctx,
		`SELECT id, project_id, subject_id, COALESCE(fcm_token, ''),
		        COALESCE(email, ''), COALESCE(language, ''), COALESCE(timezone, '')
		 FROM users
		 WHERE project_id = $1 AND subject_id = $2`,
		projectID, subjectID,
	).Scan(&u.ID, &u.ProjectID, &u.SubjectID, &u.FCMToken, &u.Email, &u.Language, &u.Timezone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found: "+subjectID, nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load user", err)
	}
	return &u, nil
}

// Upsert creates or refreshes a user row keyed by (project, subject).
func (r *UserRepository) Upsert(ctx context.Context, u *types.User) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (project_id, subject_id, fcm_token, email, language, timezone)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (project_id, subject_id) DO UPDATE SET
		   fcm_token = EXCLUDED.fcm_token,
		   email = EXCLUDED.email,
		   language = EXCLUDED.language,
		   timezone = EXCLUDED.timezone`,
		u.ProjectID, u.SubjectID, u.FCMToken, u.Email, u.Language, u.Timezone,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert user", err)
	}
	return nil
}

// ClearFCMToken invalidates the subject's stored device token after the
// vendor reports it permanently unregistered.
func (r *UserRepository) ClearFCMToken(ctx context.Context, projectID, subjectID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET fcm_token = NULL
		 WHERE project_id = $1 AND subject_id = $2`,
		projectID, subjectID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear fcm token", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found: "+subjectID, nil)
	}
	return nil
}
