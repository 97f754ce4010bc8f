package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/patrol/internal/models"
	"github.com/Sh00ty/patrol/internal/pgerror"
	"github.com/Sh00ty/patrol/internal/store"
)

const (
	checksTable   = "service"
	contactsTable = "alert_contact"

	uniqueNameConstraint = "service_user_name_key"
)

//go:embed schema.sql
var schema string

var _ store.Store = (*Repository)(nil)

type Config struct {
	User     string `envconfig:"DATABASE_USER,default=postgres"`
	Password string `envconfig:"DATABASE_PASSWORD,default=postgres"`
	Host     string `envconfig:"DATABASE_HOST,default=127.0.0.1"`
	Port     uint16 `envconfig:"DATABASE_PORT,default=5432"`
	Name     string `envconfig:"DATABASE_NAME,default=patrol"`
	MaxConns int    `envconfig:"DATABASE_MAX_CONNS,default=15"`
}

func (c Config) DSN() string {
	return fmt.Sprintf(
		"user=%s password=%s host=%s port=%d dbname=%s sslmode=disable pool_max_conns=%d",
		c.User, c.Password, c.Host, c.Port, c.Name, c.MaxConns,
	)
}

type Repository struct {
	db *pgxpool.Pool
}

func NewRepo(ctx context.Context, cfg Config) (*Repository, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	err = retry.Do(
		func() error {
			return pool.Ping(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Msgf("database not reachable yet, attempt %d", n+1)
		}),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Repository{
		db: pool,
	}, nil
}

// Migrate creates the tables the repository relies on.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *Repository) Close() error {
	r.db.Close()
	return nil
}

func selectChecks() squirrel.SelectBuilder {
	return squirrel.Select(
		"s.id",
		"s.user_id",
		"s.name",
		"s.type",
		"coalesce(s.status, '')",
		"s.error_state",
		"s.interval",
		"s.last_check_time",
		"s.status_change_time",
		"ip.ip",
		"ip.port",
		"h.hostname",
		"h.redirects",
		"h.check_string",
		"h.keywords",
		"c.hostname",
		"c.buffer",
	).From(checksTable + " s").
		LeftJoin("ip_port_service ip on ip.service_id = s.id").
		LeftJoin("http_service h on h.service_id = s.id").
		LeftJoin("cert_service c on c.service_id = s.id").
		PlaceholderFormat(squirrel.Dollar)
}

type checkRow struct {
	check     models.CheckDefinition
	interval  int32
	changedAt *time.Time

	ip   *string
	port *int32

	httpHost    *string
	redirects   *int32
	checkString *string
	keywords    *string

	certHost *string
	buffer   *int32
}

func (c *checkRow) scan(rows pgx.Rows) error {
	return rows.Scan(
		&c.check.ID,
		&c.check.UserID,
		&c.check.Name,
		&c.check.Type,
		&c.check.Status,
		&c.check.ErrorState,
		&c.interval,
		&c.check.LastCheck,
		&c.changedAt,
		&c.ip,
		&c.port,
		&c.httpHost,
		&c.redirects,
		&c.checkString,
		&c.keywords,
		&c.certHost,
		&c.buffer,
	)
}

func (c *checkRow) toCheck() models.CheckDefinition {
	check := c.check
	check.Interval = time.Duration(c.interval) * time.Second
	check.StatusChangedAt = deref(c.changedAt)
	if c.ip != nil {
		params := &models.IPPortParams{IP: *c.ip}
		if c.port != nil {
			port := uint16(*c.port)
			params.Port = &port
		}
		check.Params.IPPort = params
	}
	if c.httpHost != nil {
		check.Params.HTTP = &models.HTTPParams{
			Hostname:    *c.httpHost,
			Redirects:   int(deref(c.redirects)),
			CheckString: deref(c.checkString),
			Keywords:    deref(c.keywords),
		}
	}
	if c.certHost != nil {
		check.Params.Cert = &models.CertParams{
			Hostname: *c.certHost,
			Buffer:   int(deref(c.buffer)),
		}
	}
	return check
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}

func (r *Repository) ListDueChecks(ctx context.Context, now time.Time) ([]models.CheckDefinition, error) {
	sql, args, err := selectChecks().
		Where("s.last_check_time + s.interval * interval '1 second' <= ?", now).
		OrderBy("s.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result := make([]models.CheckDefinition, 0, 100)
	for rows.Next() {
		row := checkRow{}
		err = row.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan check value: %w", err)
		}
		result = append(result, row.toCheck())
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read due checks: %w", err)
	}
	return result, nil
}

func (r *Repository) StampChecked(ctx context.Context, ids []models.CheckID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	sql, args, err := squirrel.Update(checksTable).
		Set("last_check_time", now).
		Where(squirrel.Eq{"id": ids}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to create db request: %w", err)
	}
	_, err = r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to stamp %d checks: %w", len(ids), err)
	}
	return nil
}

func (r *Repository) GetStatus(ctx context.Context, id models.CheckID) (models.CheckState, error) {
	sql := `
	select coalesce(status, ''), error_state
	from service
	where id = $1;
	`
	state := models.CheckState{}
	err := r.db.QueryRow(ctx, sql, id).Scan(&state.Status, &state.ErrorState)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return state, store.ErrCheckNotFound
		}
		return state, fmt.Errorf("failed to read status of check %d: %w", id, err)
	}
	return state, nil
}

func (r *Repository) SetStatus(ctx context.Context, id models.CheckID, status string, errorState bool, changedAt time.Time) error {
	sql := `
	update service
	set status = $2, error_state = $3, status_change_time = $4
	where id = $1;
	`
	tag, err := r.db.Exec(ctx, sql, id, status, errorState, changedAt)
	if err != nil {
		return fmt.Errorf("failed to update status of check %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrCheckNotFound
	}
	return nil
}

func (r *Repository) SetErrorFlag(ctx context.Context, id models.CheckID, errorState bool) error {
	sql := `
	update service
	set error_state = $2
	where id = $1;
	`
	tag, err := r.db.Exec(ctx, sql, id, errorState)
	if err != nil {
		return fmt.Errorf("failed to update error flag of check %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrCheckNotFound
	}
	return nil
}

func (r *Repository) CreateCheck(ctx context.Context, check models.CheckDefinition) (models.CheckID, error) {
	err := store.Validate(check)
	if err != nil {
		return 0, fmt.Errorf("failed to create check: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.ReadCommitted,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to start creation transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var status *string
	if check.Status != "" {
		status = &check.Status
	}
	var id models.CheckID
	err = tx.QueryRow(ctx, `
	insert into service (user_id, name, type, status, error_state, interval, last_check_time)
	values ($1, $2, $3, $4, $5, $6, $7)
	returning id;
	`,
		check.UserID,
		check.Name,
		check.Type,
		status,
		check.ErrorState,
		int32(check.Interval/time.Second),
		check.LastCheck,
	).Scan(&id)
	if err != nil {
		if pgerror.IsUniqueViolation(err, uniqueNameConstraint) {
			return 0, store.ErrDuplicateCheck
		}
		return 0, fmt.Errorf("failed to create check: %w", err)
	}

	batch := &pgx.Batch{}
	if p := check.Params.IPPort; p != nil {
		var port *int32
		if p.Port != nil {
			v := int32(*p.Port)
			port = &v
		}
		batch.Queue(`insert into ip_port_service (service_id, ip, port) values ($1, $2, $3);`, id, p.IP, port)
	}
	if p := check.Params.HTTP; p != nil {
		batch.Queue(
			`insert into http_service (service_id, hostname, redirects, check_string, keywords) values ($1, $2, $3, $4, $5);`,
			id, p.Hostname, p.Redirects, p.CheckString, p.Keywords,
		)
	}
	if p := check.Params.Cert; p != nil {
		batch.Queue(`insert into cert_service (service_id, hostname, buffer) values ($1, $2, $3);`, id, p.Hostname, p.Buffer)
	}
	if batch.Len() > 0 {
		err = tx.SendBatch(ctx, batch).Close()
		if err != nil {
			return 0, fmt.Errorf("failed to store parameters of check %d: %w", id, err)
		}
	}

	err = tx.Commit(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to commit check creation tx: %w", err)
	}
	return id, nil
}

func (r *Repository) GetAlertContact(ctx context.Context, userID models.UserID) (models.AlertContact, error) {
	sql, args, err := squirrel.Select("user_id", "email").
		From(contactsTable).
		Where(squirrel.Eq{"user_id": userID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return models.AlertContact{}, fmt.Errorf("failed to create db request: %w", err)
	}
	contact := models.AlertContact{}
	err = r.db.QueryRow(ctx, sql, args...).Scan(&contact.UserID, &contact.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contact, store.ErrContactNotFound
		}
		return contact, fmt.Errorf("failed to read alert contact of user %d: %w", userID, err)
	}
	return contact, nil
}

func (r *Repository) SetAlertContact(ctx context.Context, contact models.AlertContact) error {
	sql := `
	insert into alert_contact (user_id, email)
	values ($1, $2)
	on conflict (user_id) do update set email = excluded.email;
	`
	_, err := r.db.Exec(ctx, sql, contact.UserID, contact.Email)
	if err != nil {
		return fmt.Errorf("failed to store alert contact of user %d: %w", contact.UserID, err)
	}
	return nil
}
