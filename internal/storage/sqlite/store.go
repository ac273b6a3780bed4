package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/relves/mdk/internal/crypto"
	"github.com/relves/mdk/internal/keyring"
	"github.com/relves/mdk/internal/storage"
)

var (
	ErrWrongEncryptionKey                = errors.New("wrong encryption key for existing database")
	ErrUnencryptedDatabaseWithEncryption = errors.New("database is not encrypted but encryption was requested")
	ErrEncryptionKeyRequired             = errors.New("database is encrypted but no key was provided")
	ErrInvalidKeyLength                  = crypto.ErrInvalidKeyLength
	ErrKeyringNotInitialized             = keyring.ErrNotInitialized
)

// KeyringEntryMissingError is returned when an existing encrypted database
// has no key in the keyring. The data cannot be recovered by creating a
// new key, so this is never treated as "create new".
type KeyringEntryMissingError struct {
	DBPath    string
	ServiceID string
	KeyID     string
}

func (e *KeyringEntryMissingError) Error() string {
	return fmt.Sprintf("keyring entry missing for existing database %s (service %q, key %q)", e.DBPath, e.ServiceID, e.KeyID)
}

const keyCheckPlaintext = "mdk key check v1"

// Store is the durable storage.Provider backed by SQLite.
type Store struct {
	db     *sql.DB
	dbPath string
	cipher *crypto.Cipher
	locks  storage.GroupLocks
	clock  clockwork.Clock
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for snapshot timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens an unencrypted database at dbPath, creating it if needed.
func Open(dbPath string, opts ...Option) (*Store, error) {
	return open(dbPath, nil, opts)
}

// OpenWithKey opens an encrypted database. A new database is initialized
// with key; an existing one must already be encrypted with it.
func OpenWithKey(dbPath string, key []byte, opts ...Option) (*Store, error) {
	c, err := crypto.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return open(dbPath, c, opts)
}

// OpenWithKeyring opens an encrypted database whose key lives in kr under
// (serviceID, keyID). A nil kr uses the process-wide keyring.
func OpenWithKeyring(dbPath string, kr keyring.Store, serviceID, keyID string, opts ...Option) (*Store, error) {
	if kr == nil {
		var err error
		if kr, err = keyring.Default(); err != nil {
			return nil, err
		}
	}

	if !databaseExists(dbPath) {
		key, err := keyring.GetOrCreateKey(kr, serviceID, keyID)
		if err != nil {
			return nil, fmt.Errorf("create database key: %w", err)
		}
		return OpenWithKey(dbPath, key[:], opts...)
	}

	key, err := keyring.GetKey(kr, serviceID, keyID)
	if errors.Is(err, keyring.ErrNotFound) {
		encrypted, checkErr := isEncrypted(dbPath)
		if checkErr != nil {
			return nil, checkErr
		}
		if !encrypted {
			return nil, ErrUnencryptedDatabaseWithEncryption
		}
		return nil, &KeyringEntryMissingError{DBPath: dbPath, ServiceID: serviceID, KeyID: keyID}
	}
	if err != nil {
		return nil, fmt.Errorf("load database key: %w", err)
	}
	return OpenWithKey(dbPath, key[:], opts...)
}

func databaseExists(dbPath string) bool {
	info, err := os.Stat(dbPath)
	return err == nil && info.Size() > 0
}

func openDB(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=wal_autocheckpoint(1000)"+
		"&_txlock=immediate") // Writers take the RESERVED lock up front so restores are all-or-nothing
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connection pool - SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

func open(dbPath string, c *crypto.Cipher, opts []Option) (*Store, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, dbPath: dbPath, cipher: c}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	ctx := context.Background()
	fresh, err := isFresh(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(ctx, db, s.logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := s.checkKey(ctx, fresh); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// isFresh reports whether the database has never been initialized.
func isFresh(ctx context.Context, db *sql.DB) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspect database: %w", err)
	}
	return n == 0, nil
}

func readKeyCheck(ctx context.Context, db *sql.DB) ([]byte, error) {
	var check []byte
	err := db.QueryRowContext(ctx, `SELECT value FROM mdk_meta WHERE key = 'key_check'`).Scan(&check)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key check: %w", err)
	}
	return check, nil
}

func (s *Store) checkKey(ctx context.Context, fresh bool) error {
	check, err := readKeyCheck(ctx, s.db)
	if err != nil {
		return err
	}
	switch {
	case s.cipher == nil && check != nil:
		return ErrEncryptionKeyRequired
	case s.cipher == nil:
		return nil
	case check != nil:
		if _, err := s.cipher.Open(check, []byte("mdk_meta.key_check")); err != nil {
			return ErrWrongEncryptionKey
		}
		return nil
	case !fresh:
		return ErrUnencryptedDatabaseWithEncryption
	}

	sealed, err := s.cipher.Seal([]byte(keyCheckPlaintext), []byte("mdk_meta.key_check"))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO mdk_meta (key, value) VALUES ('key_check', ?)`, sealed)
	if err != nil {
		return fmt.Errorf("write key check: %w", err)
	}
	return nil
}

// isEncrypted reports whether an existing database carries a key check.
func isEncrypted(dbPath string) (bool, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	ctx := context.Background()
	var n int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'mdk_meta'`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspect database: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	check, err := readKeyCheck(ctx, db)
	if err != nil {
		return false, err
	}
	return check != nil, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DBPath() string {
	return s.dbPath
}

// Encrypted reports whether sensitive columns are sealed at rest.
func (s *Store) Encrypted() bool {
	return s.cipher != nil
}

func (s *Store) Backend() storage.Backend {
	return storage.BackendSQLite
}

// seal encrypts a sensitive column value. Without a key it is a no-op.
func (s *Store) seal(column string, plaintext []byte) ([]byte, error) {
	if s.cipher == nil || plaintext == nil {
		return plaintext, nil
	}
	return s.cipher.Seal(plaintext, []byte(column))
}

func (s *Store) open(column string, data []byte) ([]byte, error) {
	if s.cipher == nil || data == nil {
		return data, nil
	}
	plain, err := s.cipher.Open(data, []byte(column))
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", column, err)
	}
	return plain, nil
}

func (s *Store) now() uint64 {
	return uint64(s.clock.Now().Unix())
}
