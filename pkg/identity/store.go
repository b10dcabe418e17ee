package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/helixmed/authgate/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/helixmed/authgate/pkg/identity"

// maxSQLTruncateLen bounds SQL statements recorded in trace spans so
// telemetry never carries column values.
const maxSQLTruncateLen = 100

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint hits.
const uniqueViolation = "23505"

// Pool is the subset of pgxpool.Pool the store needs. pgxmock satisfies
// it for unit tests.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// Schema is the DDL for the identity directory. Deploy tooling and
// integration tests apply it to a fresh database.
const Schema = `
CREATE TABLE IF NOT EXISTS connections (
    id         text PRIMARY KEY,
    label      text NOT NULL DEFAULT '',
    subprefix  text NOT NULL DEFAULT '',
    mappings   jsonb NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS users (
    uuid             uuid PRIMARY KEY,
    subject          text UNIQUE,
    email            text,
    connection_id    text REFERENCES connections(id),
    general_metadata jsonb,
    is_active        boolean NOT NULL DEFAULT true,
    matched          boolean NOT NULL DEFAULT false,
    accepted_tos     timestamptz,
    passport         text NOT NULL DEFAULT '',
    created_at       timestamptz NOT NULL DEFAULT now(),
    updated_at       timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS roles (
    uuid        uuid PRIMARY KEY,
    name        text NOT NULL UNIQUE,
    description text NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS privileges (
    uuid        uuid PRIMARY KEY,
    name        text NOT NULL UNIQUE,
    description text NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS user_roles (
    user_id uuid NOT NULL REFERENCES users(uuid) ON DELETE CASCADE,
    role_id uuid NOT NULL REFERENCES roles(uuid) ON DELETE CASCADE,
    PRIMARY KEY (user_id, role_id)
);

CREATE TABLE IF NOT EXISTS role_privileges (
    role_id      uuid NOT NULL REFERENCES roles(uuid) ON DELETE CASCADE,
    privilege_id uuid NOT NULL REFERENCES privileges(uuid) ON DELETE CASCADE,
    PRIMARY KEY (role_id, privilege_id)
);

CREATE TABLE IF NOT EXISTS applications (
    uuid    uuid PRIMARY KEY,
    name    text NOT NULL UNIQUE,
    token   text NOT NULL DEFAULT '',
    url     text NOT NULL DEFAULT '',
    enabled boolean NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS application_privileges (
    application_id uuid NOT NULL REFERENCES applications(uuid) ON DELETE CASCADE,
    privilege_id   uuid NOT NULL REFERENCES privileges(uuid) ON DELETE CASCADE,
    PRIMARY KEY (application_id, privilege_id)
);
`

const userColumns = `uuid, subject, email, connection_id, general_metadata, is_active, matched, accepted_tos, passport, created_at, updated_at`

// Store is the PostgreSQL-backed identity directory. It is safe for
// concurrent use; create one Store per database and share it.
type Store struct {
	pool         Pool
	tracer       trace.Tracer
	databaseName string
}

// NewStore connects to the identity database and verifies connectivity
// with a ping. The caller must Close the store when done.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation,
			"identity: failed to parse connection string")
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	tlsCfg, err := cfg.tlsConfig()
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration,
			"identity: failed to configure TLS")
	}
	if tlsCfg != nil {
		poolCfg.ConnConfig.TLSConfig = tlsCfg
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency,
			"identity: failed to create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency,
			"identity: failed to connect to database")
	}

	dbName := cfg.Database
	if cfg.URI != "" {
		if u, parseErr := url.Parse(cfg.URI); parseErr == nil {
			dbName = strings.TrimPrefix(u.Path, "/")
		}
	}

	return &Store{
		pool:         pool,
		tracer:       otel.Tracer(tracerName),
		databaseName: dbName,
	}, nil
}

// NewStoreFromPool creates a Store over an existing pool. Intended for
// tests with pgxmock.
func NewStoreFromPool(pool Pool, databaseName string) *Store {
	return &Store{
		pool:         pool,
		tracer:       otel.Tracer(tracerName),
		databaseName: databaseName,
	}
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool returns the underlying pool for operations the Store does not
// cover, such as schema migration. Do not close it directly; use
// [Store.Close].
func (s *Store) Pool() Pool {
	return s.pool
}

// Health pings the database, applying DefaultHealthTimeout when the
// context has no deadline.
func (s *Store) Health(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Health", "SELECT 1")

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}

	err := s.pool.Ping(ctx)
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency,
			"identity: health check failed")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const sqlUserBySubject = `SELECT ` + userColumns + ` FROM users WHERE subject = $1`

// UserBySubject loads a user and their roles by upstream subject.
// Returns CodeNotFoundUser when no user matches.
func (s *Store) UserBySubject(ctx context.Context, subject string) (*User, error) {
	ctx, span := s.startSpan(ctx, "UserBySubject", sqlUserBySubject)

	user, err := s.scanUser(s.pool.QueryRow(ctx, sqlUserBySubject, subject))
	if err != nil {
		finishSpan(span, err)
		return nil, notFoundOr(err, "identity: no user for subject")
	}
	if err := s.loadRoles(ctx, user); err != nil {
		finishSpan(span, err)
		return nil, err
	}
	finishSpan(span, nil)
	return user, nil
}

const sqlUserByEmail = `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`

// UserByEmail loads a user and their roles by email. Email comparison
// is case-insensitive.
func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	ctx, span := s.startSpan(ctx, "UserByEmail", sqlUserByEmail)

	user, err := s.scanUser(s.pool.QueryRow(ctx, sqlUserByEmail, email))
	if err != nil {
		finishSpan(span, err)
		return nil, notFoundOr(err, "identity: no user for email")
	}
	if err := s.loadRoles(ctx, user); err != nil {
		finishSpan(span, err)
		return nil, err
	}
	finishSpan(span, nil)
	return user, nil
}

const sqlUserByID = `SELECT ` + userColumns + ` FROM users WHERE uuid = $1`

// UserByID loads a user and their roles by directory id.
func (s *Store) UserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	ctx, span := s.startSpan(ctx, "UserByID", sqlUserByID)

	user, err := s.scanUser(s.pool.QueryRow(ctx, sqlUserByID, id))
	if err != nil {
		finishSpan(span, err)
		return nil, notFoundOr(err, "identity: no user for id")
	}
	if err := s.loadRoles(ctx, user); err != nil {
		finishSpan(span, err)
		return nil, err
	}
	finishSpan(span, nil)
	return user, nil
}

const sqlUnmatchedUsers = `SELECT ` + userColumns + ` FROM users WHERE NOT matched AND subject IS NULL AND connection_id = $1`

// UnmatchedUsers lists pre-created users of a connection that have not
// yet been claimed by an upstream subject. Roles are not loaded; claim
// matching only needs the stored metadata.
func (s *Store) UnmatchedUsers(ctx context.Context, connectionID string) ([]*User, error) {
	ctx, span := s.startSpan(ctx, "UnmatchedUsers", sqlUnmatchedUsers)

	rows, err := s.pool.Query(ctx, sqlUnmatchedUsers, connectionID)
	if err != nil {
		finishSpan(span, err)
		return nil, wrapError(err, "identity: listing unmatched users failed")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := s.scanUser(rows)
		if err != nil {
			finishSpan(span, err)
			return nil, wrapError(err, "identity: scanning unmatched user failed")
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		finishSpan(span, err)
		return nil, wrapError(err, "identity: listing unmatched users failed")
	}
	span.SetAttributes(attribute.Int("identity.users.count", len(users)))
	finishSpan(span, nil)
	return users, nil
}

const sqlUsersWithPassports = `SELECT ` + userColumns + ` FROM users WHERE passport <> '' AND is_active`

// UsersWithPassports lists active users holding a stored passport, for
// the background revalidation sweep.
func (s *Store) UsersWithPassports(ctx context.Context) ([]*User, error) {
	ctx, span := s.startSpan(ctx, "UsersWithPassports", sqlUsersWithPassports)

	rows, err := s.pool.Query(ctx, sqlUsersWithPassports)
	if err != nil {
		finishSpan(span, err)
		return nil, wrapError(err, "identity: listing passport holders failed")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := s.scanUser(rows)
		if err != nil {
			finishSpan(span, err)
			return nil, wrapError(err, "identity: scanning passport holder failed")
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		finishSpan(span, err)
		return nil, wrapError(err, "identity: listing passport holders failed")
	}
	finishSpan(span, nil)
	return users, nil
}

const sqlInsertUser = `
INSERT INTO users (uuid, subject, email, connection_id, general_metadata, is_active, matched, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())`

// CreateUser inserts a new user. When a concurrent login already
// created a user for the same subject, the existing user is loaded and
// returned instead.
func (s *Store) CreateUser(ctx context.Context, user *User) (*User, error) {
	ctx, span := s.startSpan(ctx, "CreateUser", sqlInsertUser)

	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, sqlInsertUser,
		user.ID, nullable(user.Subject), nullable(user.Email),
		nullable(user.ConnectionID), user.GeneralMetadata, user.Active, user.Matched)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && user.Subject != "" {
			finishSpan(span, nil)
			return s.UserBySubject(ctx, user.Subject)
		}
		finishSpan(span, err)
		return nil, wrapError(err, "identity: creating user failed")
	}
	finishSpan(span, nil)
	return user, nil
}

const sqlClaimSubject = `
UPDATE users SET subject = $2, general_metadata = $3, matched = true, updated_at = now()
WHERE uuid = $1 AND NOT matched`

// ClaimSubject links an unmatched user to an upstream subject, flips
// matched, and records the claim document that matched. Returns
// CodeConflict when the user was claimed concurrently.
func (s *Store) ClaimSubject(ctx context.Context, userID uuid.UUID, subject string, metadata json.RawMessage) error {
	ctx, span := s.startSpan(ctx, "ClaimSubject", sqlClaimSubject)

	tag, err := s.pool.Exec(ctx, sqlClaimSubject, userID, subject, metadata)
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "identity: claiming subject failed")
	}
	if tag.RowsAffected() == 0 {
		return sserr.Newf(sserr.CodeConflict, "identity: user %s was already matched", userID)
	}
	return nil
}

const sqlUpdateMetadata = `
UPDATE users SET email = COALESCE(NULLIF($2, ''), email), general_metadata = $3, updated_at = now()
WHERE uuid = $1`

// UpdateMetadata refreshes a user's email and stored claim document
// after a successful login.
func (s *Store) UpdateMetadata(ctx context.Context, userID uuid.UUID, email string, metadata json.RawMessage) error {
	ctx, span := s.startSpan(ctx, "UpdateMetadata", sqlUpdateMetadata)

	_, err := s.pool.Exec(ctx, sqlUpdateMetadata, userID, email, metadata)
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "identity: updating user metadata failed")
	}
	return nil
}

const sqlAcceptTOS = `UPDATE users SET accepted_tos = $2, updated_at = now() WHERE uuid = $1`

// AcceptTermsOfService records that the user accepted the current terms
// of service at the given time.
func (s *Store) AcceptTermsOfService(ctx context.Context, userID uuid.UUID, at time.Time) error {
	ctx, span := s.startSpan(ctx, "AcceptTermsOfService", sqlAcceptTOS)

	tag, err := s.pool.Exec(ctx, sqlAcceptTOS, userID, at)
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "identity: recording terms acceptance failed")
	}
	if tag.RowsAffected() == 0 {
		return sserr.New(sserr.CodeNotFoundUser, "identity: no user for id")
	}
	return nil
}

const sqlSetPassport = `UPDATE users SET passport = $2, updated_at = now() WHERE uuid = $1`

// SetPassport stores the user's passport token. An empty passport
// clears it.
func (s *Store) SetPassport(ctx context.Context, userID uuid.UUID, passport string) error {
	ctx, span := s.startSpan(ctx, "SetPassport", sqlSetPassport)

	_, err := s.pool.Exec(ctx, sqlSetPassport, userID, passport)
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "identity: storing passport failed")
	}
	return nil
}

const sqlSetActive = `UPDATE users SET is_active = $2, updated_at = now() WHERE uuid = $1`

// SetActive enables or disables a user.
func (s *Store) SetActive(ctx context.Context, userID uuid.UUID, active bool) error {
	ctx, span := s.startSpan(ctx, "SetActive", sqlSetActive)

	_, err := s.pool.Exec(ctx, sqlSetActive, userID, active)
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "identity: updating user status failed")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Roles and privileges
// ---------------------------------------------------------------------------

const sqlRolesForUser = `
SELECT r.uuid, r.name, r.description, p.uuid, p.name, p.description
FROM roles r
JOIN user_roles ur ON ur.role_id = r.uuid
LEFT JOIN role_privileges rp ON rp.role_id = r.uuid
LEFT JOIN privileges p ON p.uuid = rp.privilege_id
WHERE ur.user_id = $1
ORDER BY r.name, p.name`

// loadRoles populates user.Roles with the user's roles and their
// privileges.
func (s *Store) loadRoles(ctx context.Context, user *User) error {
	rows, err := s.pool.Query(ctx, sqlRolesForUser, user.ID)
	if err != nil {
		return wrapError(err, "identity: loading roles failed")
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*Role)
	var order []uuid.UUID
	for rows.Next() {
		var (
			role      Role
			privID    *uuid.UUID
			privName  *string
			privDescr *string
		)
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &privID, &privName, &privDescr); err != nil {
			return wrapError(err, "identity: scanning role failed")
		}
		existing, ok := byID[role.ID]
		if !ok {
			existing = &role
			byID[role.ID] = existing
			order = append(order, role.ID)
		}
		if privID != nil {
			existing.Privileges = append(existing.Privileges, Privilege{
				ID:          *privID,
				Name:        deref(privName),
				Description: deref(privDescr),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return wrapError(err, "identity: loading roles failed")
	}

	user.Roles = make([]Role, 0, len(order))
	for _, id := range order {
		user.Roles = append(user.Roles, *byID[id])
	}
	return nil
}

const sqlEnsureRole = `
INSERT INTO roles (uuid, name, description) VALUES ($1, $2, $3)
ON CONFLICT (name) DO NOTHING`

// EnsureRoles creates any roles in names that do not exist yet.
func (s *Store) EnsureRoles(ctx context.Context, names []string, description string) error {
	ctx, span := s.startSpan(ctx, "EnsureRoles", sqlEnsureRole)

	for _, name := range names {
		if _, err := s.pool.Exec(ctx, sqlEnsureRole, uuid.New(), name, description); err != nil {
			finishSpan(span, err)
			return wrapError(err, "identity: ensuring role failed")
		}
	}
	finishSpan(span, nil)
	return nil
}

const (
	sqlDeleteUserRoles = `DELETE FROM user_roles WHERE user_id = $1`
	sqlInsertUserRoles = `
INSERT INTO user_roles (user_id, role_id)
SELECT $1, uuid FROM roles WHERE name = ANY($2)
ON CONFLICT DO NOTHING`
)

// SetUserRoles replaces the user's role assignments with the named
// roles, transactionally. Role names that do not exist are ignored.
func (s *Store) SetUserRoles(ctx context.Context, userID uuid.UUID, roleNames []string) error {
	ctx, span := s.startSpan(ctx, "SetUserRoles", sqlInsertUserRoles)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		finishSpan(span, err)
		return wrapError(err, "identity: begin role update failed")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, sqlDeleteUserRoles, userID); err != nil {
		finishSpan(span, err)
		return wrapError(err, "identity: clearing roles failed")
	}
	if len(roleNames) > 0 {
		if _, err := tx.Exec(ctx, sqlInsertUserRoles, userID, roleNames); err != nil {
			finishSpan(span, err)
			return wrapError(err, "identity: assigning roles failed")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		finishSpan(span, err)
		return wrapError(err, "identity: committing role update failed")
	}
	finishSpan(span, nil)
	return nil
}

// ---------------------------------------------------------------------------
// Applications and connections
// ---------------------------------------------------------------------------

const sqlApplicationByID = `SELECT uuid, name, token, url, enabled FROM applications WHERE uuid = $1`

const sqlApplicationPrivileges = `
SELECT p.uuid, p.name, p.description
FROM privileges p
JOIN application_privileges ap ON ap.privilege_id = p.uuid
WHERE ap.application_id = $1
ORDER BY p.name`

// ApplicationByID loads a trusted application and its privileges.
func (s *Store) ApplicationByID(ctx context.Context, id uuid.UUID) (*Application, error) {
	ctx, span := s.startSpan(ctx, "ApplicationByID", sqlApplicationByID)

	var app Application
	err := s.pool.QueryRow(ctx, sqlApplicationByID, id).
		Scan(&app.ID, &app.Name, &app.Token, &app.URL, &app.Enabled)
	if err != nil {
		finishSpan(span, err)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sserr.New(sserr.CodeNotFound, "identity: no application for id")
		}
		return nil, wrapError(err, "identity: loading application failed")
	}

	rows, err := s.pool.Query(ctx, sqlApplicationPrivileges, id)
	if err != nil {
		finishSpan(span, err)
		return nil, wrapError(err, "identity: loading application privileges failed")
	}
	defer rows.Close()
	for rows.Next() {
		var priv Privilege
		if err := rows.Scan(&priv.ID, &priv.Name, &priv.Description); err != nil {
			finishSpan(span, err)
			return nil, wrapError(err, "identity: scanning application privilege failed")
		}
		app.Privileges = append(app.Privileges, priv)
	}
	if err := rows.Err(); err != nil {
		finishSpan(span, err)
		return nil, wrapError(err, "identity: loading application privileges failed")
	}
	finishSpan(span, nil)
	return &app, nil
}

const sqlConnectionByID = `SELECT id, label, subprefix, mappings FROM connections WHERE id = $1`

// ConnectionByID loads an upstream connection registration. Returns
// CodeNotFoundConnection when the connection is not registered.
func (s *Store) ConnectionByID(ctx context.Context, id string) (*Connection, error) {
	ctx, span := s.startSpan(ctx, "ConnectionByID", sqlConnectionByID)

	var (
		conn        Connection
		mappingsRaw []byte
	)
	err := s.pool.QueryRow(ctx, sqlConnectionByID, id).
		Scan(&conn.ID, &conn.Label, &conn.Subprefix, &mappingsRaw)
	finishSpan(span, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sserr.Newf(sserr.CodeNotFoundConnection, "identity: connection %q is not registered", id)
		}
		return nil, wrapError(err, "identity: loading connection failed")
	}
	if err := json.Unmarshal(mappingsRaw, &conn.Mappings); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalDatabase,
			"identity: connection mappings are malformed")
	}
	return &conn, nil
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// scanUser scans one user row in userColumns order.
func (s *Store) scanUser(row pgx.Row) (*User, error) {
	var (
		user       User
		subject    *string
		email      *string
		connection *string
		metadata   []byte
	)
	err := row.Scan(&user.ID, &subject, &email, &connection, &metadata,
		&user.Active, &user.Matched, &user.AcceptedTOS, &user.Passport,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	user.Subject = deref(subject)
	user.Email = deref(email)
	user.ConnectionID = deref(connection)
	user.GeneralMetadata = json.RawMessage(metadata)
	return &user, nil
}

func (s *Store) startSpan(ctx context.Context, operationName, sql string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "identity."+operationName,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.name", s.databaseName),
		attribute.String("db.statement", truncateSQL(sql)),
	)
	return ctx, span
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// wrapError converts a database error to a platform error, separating
// timeouts from general database failures so callers can make retry
// decisions.
func wrapError(err error, message string) *sserr.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}

// notFoundOr maps pgx.ErrNoRows to CodeNotFoundUser and wraps anything
// else as a database error.
func notFoundOr(err error, message string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sserr.New(sserr.CodeNotFoundUser, message)
	}
	return wrapError(err, message)
}

func truncateSQL(sql string) string {
	if len(sql) <= maxSQLTruncateLen {
		return sql
	}
	return sql[:maxSQLTruncateLen] + "..."
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
