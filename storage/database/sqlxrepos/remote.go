package sqlxrepos

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/nexlearn/core/remote"
)

type (
	enrollmentRow struct {
		UserID      string      `db:"user_id"`
		CourseID    string      `db:"course_id"`
		EnrolledAt  null.String `db:"enrolled_at"`
		CompletedAt null.String `db:"completed_at"`
	}

	moduleProgressRow struct {
		UserID      string      `db:"user_id"`
		CourseID    string      `db:"course_id"`
		ModuleTitle string      `db:"module_title"`
		CompletedAt null.String `db:"completed_at"`
	}

	certificateRow struct {
		ID       string `db:"id"`
		UserName string `db:"user_name"`
		Title    string `db:"title"`
		Type     string `db:"type"`
		Issued   string `db:"issued"`
		Hash     string `db:"hash"`
	}

	clientErrorRow struct {
		ID      string      `db:"id"`
		Level   string      `db:"level"`
		Message string      `db:"message"`
		Stack   null.String `db:"stack"`
		Context null.String `db:"context"`
		TS      string      `db:"ts"`
	}
)

// RemoteRepository is the remote.DataService talking SQL straight to the hosted
// Postgres database (remote transport "postgres"). Queries are portable to SQLite.
type RemoteRepository struct {
	db *sqlx.DB
}

var _ remote.DataService = (*RemoteRepository)(nil) // interface compliance check

func NewRemoteRepository(db *sqlx.DB) *RemoteRepository {
	return &RemoteRepository{db: db}
}

func toEnrollmentRow(e remote.Enrollment) enrollmentRow {
	return enrollmentRow{
		UserID:      e.UserID,
		CourseID:    e.CourseID,
		EnrolledAt:  null.NewString(e.EnrolledAt, e.EnrolledAt != ""),
		CompletedAt: null.NewString(e.CompletedAt, e.CompletedAt != ""),
	}
}

func (row enrollmentRow) enrollment() remote.Enrollment {
	return remote.Enrollment{
		UserID:      row.UserID,
		CourseID:    row.CourseID,
		EnrolledAt:  row.EnrolledAt.String,
		CompletedAt: row.CompletedAt.String,
	}
}

// trapNoRowsErr maps "no rows" err to remote.ErrNotFound
func trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return remote.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

// upsertEnrollment never clears a timestamp that is not provided.
func (repo RemoteRepository) upsertEnrollment(ctx context.Context, e remote.Enrollment) error {
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO enrollments (user_id, course_id, enrolled_at, completed_at)
		VALUES (:user_id, :course_id, :enrolled_at, :completed_at)
		ON CONFLICT (user_id, course_id) DO UPDATE SET
			enrolled_at = COALESCE(excluded.enrolled_at, enrollments.enrolled_at),
			completed_at = COALESCE(excluded.completed_at, enrollments.completed_at)`,
		toEnrollmentRow(e))
	return err
}

func (repo RemoteRepository) UpsertEnrollment(ctx context.Context, e remote.Enrollment) error {
	return errors.Wrap(repo.upsertEnrollment(ctx, e), "upserting enrollment")
}

func (repo RemoteRepository) UpsertCompletion(ctx context.Context, e remote.Enrollment) error {
	if e.CompletedAt == "" {
		return errors.New("completion without completed_at")
	}
	return errors.Wrap(repo.upsertEnrollment(ctx, e), "upserting completion")
}

func (repo RemoteRepository) UpsertModuleProgress(ctx context.Context, mp remote.ModuleProgress) error {
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO module_progress (user_id, course_id, module_title, completed_at)
		VALUES (:user_id, :course_id, :module_title, :completed_at)
		ON CONFLICT (user_id, course_id, module_title) DO UPDATE SET
			completed_at = COALESCE(excluded.completed_at, module_progress.completed_at)`,
		moduleProgressRow{
			UserID:      mp.UserID,
			CourseID:    mp.CourseID,
			ModuleTitle: mp.ModuleTitle,
			CompletedAt: null.NewString(mp.CompletedAt, mp.CompletedAt != ""),
		})
	return errors.Wrap(err, "upserting module progress")
}

func (repo RemoteRepository) DeleteModuleProgress(ctx context.Context, userID, courseID, moduleTitle string) error {
	query := repo.db.Rebind(`DELETE FROM module_progress WHERE user_id = ? AND course_id = ? AND module_title = ?`)
	_, err := repo.db.ExecContext(ctx, query, userID, courseID, moduleTitle)
	return errors.Wrap(err, "deleting module progress")
}

func (repo RemoteRepository) ListEnrollments(ctx context.Context, userID string) ([]remote.Enrollment, error) {
	var rows []enrollmentRow
	query := repo.db.Rebind(`SELECT * FROM enrollments WHERE user_id = ? ORDER BY course_id`)
	if err := repo.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, errors.Wrap(err, "listing enrollments")
	}

	enrollments := make([]remote.Enrollment, 0, len(rows))
	for _, row := range rows {
		enrollments = append(enrollments, row.enrollment())
	}
	return enrollments, nil
}

func (repo RemoteRepository) ListModuleProgress(ctx context.Context, userID string) ([]remote.ModuleProgress, error) {
	var rows []moduleProgressRow
	query := repo.db.Rebind(`SELECT * FROM module_progress WHERE user_id = ? ORDER BY course_id, module_title`)
	if err := repo.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, errors.Wrap(err, "listing module progress")
	}

	progress := make([]remote.ModuleProgress, 0, len(rows))
	for _, row := range rows {
		progress = append(progress, remote.ModuleProgress{
			UserID:      row.UserID,
			CourseID:    row.CourseID,
			ModuleTitle: row.ModuleTitle,
			CompletedAt: row.CompletedAt.String,
		})
	}
	return progress, nil
}

func (repo RemoteRepository) UpsertCertificate(ctx context.Context, c remote.Certificate) error {
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO certificates (id, user_name, title, type, issued, hash)
		VALUES (:id, :user_name, :title, :type, :issued, :hash)
		ON CONFLICT (id) DO UPDATE SET
			user_name = excluded.user_name,
			title = excluded.title,
			type = excluded.type,
			issued = excluded.issued,
			hash = excluded.hash`,
		certificateRow(c))
	return errors.Wrap(err, "upserting certificate")
}

func (repo RemoteRepository) FindCertificate(ctx context.Context, idOrHash string) (remote.Certificate, error) {
	var row certificateRow
	err := repo.db.GetContext(ctx, &row, repo.db.Rebind(`SELECT * FROM certificates WHERE id = ? LIMIT 1`), idOrHash)
	if err == sql.ErrNoRows {
		err = repo.db.GetContext(ctx, &row, repo.db.Rebind(`SELECT * FROM certificates WHERE hash = ? LIMIT 1`), idOrHash)
	}
	if err != nil {
		return remote.Certificate{}, trapNoRowsErr(err, "finding certificate")
	}
	return remote.Certificate(row), nil
}

// UpsertClientErrors stores the batch in a single transaction.
func (repo RemoteRepository) UpsertClientErrors(ctx context.Context, errs []remote.ClientError) error {
	if len(errs) == 0 {
		return nil
	}
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "upserting client errors")
	}
	for _, e := range errs {
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO client_errors (id, level, message, stack, context, ts)
			VALUES (:id, :level, :message, :stack, :context, :ts)
			ON CONFLICT (id) DO UPDATE SET
				level = excluded.level,
				message = excluded.message,
				stack = excluded.stack,
				context = excluded.context,
				ts = excluded.ts`,
			clientErrorRow(e))
		if err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "upserting client error %s", e.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "upserting client errors")
}

// ListClientErrors returns the stored error reports, oldest first.
func (repo RemoteRepository) ListClientErrors(ctx context.Context) ([]remote.ClientError, error) {
	var rows []clientErrorRow
	if err := repo.db.SelectContext(ctx, &rows, `SELECT * FROM client_errors ORDER BY ts, id`); err != nil {
		return nil, errors.Wrap(err, "listing client errors")
	}
	errs := make([]remote.ClientError, 0, len(rows))
	for _, row := range rows {
		errs = append(errs, remote.ClientError(row))
	}
	return errs, nil
}
