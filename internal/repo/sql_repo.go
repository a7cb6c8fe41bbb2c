package repo

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"

	"github.com/sharaein/server/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Dialect はSQLStoreが接続しているデータベースの種類
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const (
	sqliteConstraintCode = 19
	pgUniqueViolation    = "23505"
	defaultBusyTimeout   = 5000
)

// SQLStore は database/sql 上でルームとファイルを永続化します
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLite はSQLiteのデータベースを開きます。Closeで解放してください
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		path = "sharaein.db"
	}
	db, err := sql.Open("sqlite", buildSQLiteDSN(path))
	if err != nil {
		return nil, err
	}
	// SQLiteは書き込みが直列化されるので接続は1本にする
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db, dialect: DialectSQLite}, nil
}

// OpenPostgres はDATABASE_URLでPostgreSQLに接続します
func OpenPostgres(databaseURL string) (*SQLStore, error) {
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is empty")
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db, dialect: DialectPostgres}, nil
}

func buildSQLiteDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate は埋め込みのマイグレーションを適用します
func (s *SQLStore) Migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	var m *migrate.Migrate
	switch s.dialect {
	case DialectSQLite:
		drv, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("migration driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return err
		}
	case DialectPostgres:
		drv, err := migratepgx.WithInstance(s.db, &migratepgx.Config{})
		if err != nil {
			return fmt.Errorf("migration driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "pgx5", drv)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported dialect %q", s.dialect)
	}
	// m.Close() はdbも閉じてしまうので呼ばない
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the underlying DB connection.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind は ? プレースホルダーをPostgreSQLの $n に置き換えます
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) CreateRoom(ctx context.Context, room models.Room) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO rooms(id, name, password_hash, created_at) VALUES(?, ?, ?, ?)`),
		room.ID, room.Name, room.PasswordHash, room.CreatedAt.UnixMilli())
	if err != nil {
		if isConstraintError(err) {
			return ErrRoomAlreadyExists
		}
		return err
	}
	return nil
}

func (s *SQLStore) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, name, password_hash, created_at FROM rooms WHERE id = ?`), roomID)
	var (
		r       models.Room
		created int64
	)
	if err := row.Scan(&r.ID, &r.Name, &r.PasswordHash, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Room{}, ErrNotFound
		}
		return models.Room{}, err
	}
	r.CreatedAt = timeFromMillis(created)
	return r, nil
}

func (s *SQLStore) ExistsRoom(ctx context.Context, roomID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM rooms WHERE id = ?`), roomID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLStore) CreateFile(ctx context.Context, f models.File) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO files(id, room_id, filename, stored_name, size, mime_type, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)`),
		f.ID, f.RoomID, f.Filename, f.StoredName, f.Size, f.MimeType, f.CreatedAt.UnixMilli())
	return err
}

func (s *SQLStore) GetFile(ctx context.Context, fileID string) (models.File, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, room_id, filename, stored_name, size, mime_type, created_at FROM files WHERE id = ?`), fileID)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.File{}, ErrNotFound
	}
	return f, err
}

func (s *SQLStore) ListFiles(ctx context.Context, roomID string) ([]models.File, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, room_id, filename, stored_name, size, mime_type, created_at FROM files WHERE room_id = ? ORDER BY created_at DESC, id DESC`), roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := []models.File{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *SQLStore) DeleteFile(ctx context.Context, fileID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM files WHERE id = ?`), fileID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (models.File, error) {
	var (
		f       models.File
		created int64
	)
	if err := row.Scan(&f.ID, &f.RoomID, &f.Filename, &f.StoredName, &f.Size, &f.MimeType, &created); err != nil {
		return models.File{}, err
	}
	f.CreatedAt = timeFromMillis(created)
	return f, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// 拡張コード（PRIMARYKEY, UNIQUE）も下位8bitは SQLITE_CONSTRAINT
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
