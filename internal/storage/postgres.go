package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/chm413/mochi-link/internal/logger"
)

// PostgresConfig mirrors the config package's PostgresConfig to keep this
// package importable without a dependency on config.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Postgres is the reference implementation of ServerRegistry, StatusSink,
// and AuditSink, adapted from the teacher's internal/db connection and
// migration skeleton but narrowed to the two tables this domain needs:
// servers and auth_audit_log.
type Postgres struct {
	db  *sql.DB
	log *zerolog.Logger
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
var identRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func validateConfig(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return fmt.Errorf("postgres host cannot be empty")
	}
	if net.ParseIP(cfg.Host) == nil && !hostnameRegex.MatchString(cfg.Host) {
		return fmt.Errorf("invalid postgres host: %s", cfg.Host)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("invalid postgres port: %d", cfg.Port)
	}
	if cfg.User == "" || !identRegex.MatchString(cfg.User) {
		return fmt.Errorf("invalid postgres user: %s", cfg.User)
	}
	if cfg.Database == "" || !identRegex.MatchString(cfg.Database) {
		return fmt.Errorf("invalid postgres database name: %s", cfg.Database)
	}
	return nil
}

// NewPostgres opens a connection pool and verifies connectivity.
func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid postgres configuration: %w", err)
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)

	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(1 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{db: sqlDB, log: logger.Storage()}, nil
}

// NewPostgresForTesting wraps an existing *sql.DB (e.g. from go-sqlmock).
func NewPostgresForTesting(db *sql.DB) *Postgres {
	return &Postgres{db: db, log: logger.Storage()}
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Migrate creates the servers and auth_audit_log tables if they don't exist.
func (p *Postgres) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id VARCHAR(255) PRIMARY KEY,
			token_hash VARCHAR(255) NOT NULL,
			status VARCHAR(50) NOT NULL DEFAULT 'offline',
			ip_allow_list JSONB,
			metadata JSONB,
			last_seen_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_servers_status ON servers(status)`,
		`CREATE TABLE IF NOT EXISTS auth_audit_log (
			id SERIAL PRIMARY KEY,
			server_id VARCHAR(255) NOT NULL,
			remote_addr VARCHAR(255),
			outcome VARCHAR(20) NOT NULL,
			reason VARCHAR(255),
			occurred_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_auth_audit_server ON auth_audit_log(server_id, occurred_at)`,
	}

	for _, stmt := range migrations {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// GetServer implements ServerRegistry.
func (p *Postgres) GetServer(serverID string) (*Server, error) {
	row := p.db.QueryRow(`SELECT id, token_hash, status, ip_allow_list, last_seen_at FROM servers WHERE id = $1`, serverID)

	var s Server
	var allowListJSON []byte
	var lastSeen sql.NullTime
	if err := row.Scan(&s.ID, &s.TokenHash, &s.Status, &allowListJSON, &lastSeen); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying server %s: %w", serverID, err)
	}
	if lastSeen.Valid {
		s.LastSeenAt = lastSeen.Time
	}
	if len(allowListJSON) > 0 {
		if err := json.Unmarshal(allowListJSON, &s.IPAllowList); err != nil {
			p.log.Warn().Err(err).Str("serverId", serverID).Msg("malformed ip_allow_list, ignoring")
		}
	}
	return &s, nil
}

// VerifyToken implements ServerRegistry. bcrypt.CompareHashAndPassword's
// fixed-shape comparison satisfies spec §4.3's constant-time requirement,
// matching the teacher's auth.CompareAPIKey.
func (p *Postgres) VerifyToken(serverID, token string) (bool, error) {
	row := p.db.QueryRow(`SELECT token_hash FROM servers WHERE id = $1`, serverID)
	var hash string
	if err := row.Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("querying token hash for %s: %w", serverID, err)
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil, nil
}

// UpdateServer implements StatusSink.
func (p *Postgres) UpdateServer(serverID string, update StatusUpdate) error {
	metaJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = p.db.Exec(
		`UPDATE servers SET status = $1, last_seen_at = $2, metadata = $3, updated_at = CURRENT_TIMESTAMP WHERE id = $4`,
		update.Status, update.LastSeenAt, metaJSON, serverID,
	)
	if err != nil {
		return fmt.Errorf("updating server %s: %w", serverID, err)
	}
	return nil
}

// LogAuth implements AuditSink.
func (p *Postgres) LogAuth(event AuthEvent) error {
	_, err := p.db.Exec(
		`INSERT INTO auth_audit_log (server_id, remote_addr, outcome, reason, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		event.ServerID, event.RemoteAddr, event.Outcome, event.Reason, event.At,
	)
	if err != nil {
		return fmt.Errorf("logging auth event: %w", err)
	}
	return nil
}

// ParsePort is a small helper mirroring the teacher's getEnvInt pattern for
// callers that parse a port out of a URL or connection string fragment.
func ParsePort(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
