//go:build linux

// Package dupcheck is the duplicate-suppression store. Each job id owns a
// window of (key, first-seen) rows; a second arrival of the same key inside
// the window is a duplicate. The key is built from the filename, the file
// content, or both, hashed with CRC-32, CRC-32C or XXH3 depending on the
// dupcheck flag bits.
package dupcheck

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/zeebo/xxh3"
	_ "modernc.org/sqlite"

	"github.com/afd-plus/afd-plus/internal/store/constants"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Store is the SQLite-backed dupcheck database.
type Store struct {
	readDb  *sql.DB
	writeDb *sql.DB
	writeMu sync.Mutex
	dbPath  string
}

// Initialize opens (or creates) the dupcheck database at dbPath and brings
// the schema up to date.
func Initialize(dbPath string) (*Store, error) {
	readDb, err := sql.Open("sqlite", dbPath+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("Initialize: error opening DB -> %w", err)
	}

	writeDb, err := sql.Open("sqlite", dbPath+"?mode=rwc")
	if err != nil {
		readDb.Close()
		return nil, fmt.Errorf("Initialize: error opening DB -> %w", err)
	}
	writeDb.SetMaxOpenConns(1)

	if _, err := writeDb.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		readDb.Close()
		writeDb.Close()
		return nil, fmt.Errorf("Initialize: error enabling WAL -> %w", err)
	}

	store := &Store{
		readDb:  readDb,
		writeDb: writeDb,
		dbPath:  dbPath,
	}

	if err := store.migrate(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		readDb.Close()
		writeDb.Close()
		return nil, fmt.Errorf("Initialize: error migrating tables -> %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}

	driver, err := migratesqlite.WithInstance(s.writeDb, &migratesqlite.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	return m.Up()
}

func (s *Store) Close() error {
	err1 := s.readDb.Close()
	err2 := s.writeDb.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// IsDuplicate computes the dupcheck key for fileName/filePath under flag,
// then checks and records it for jobID. The second and later arrivals of a
// key within timeout seconds of the first report true.
func (s *Store) IsDuplicate(jobID uint32, flag uint32, timeout int64, fileName, filePath string) (bool, error) {
	key, err := buildKey(flag, fileName, filePath)
	if err != nil {
		return false, err
	}

	now := time.Now().Unix()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Expired windows are pruned lazily on every check.
	if _, err := s.writeDb.Exec(
		"DELETE FROM seen WHERE job_id = ? AND first_seen < ?", jobID, now-timeout); err != nil {
		return false, fmt.Errorf("IsDuplicate: error pruning -> %w", err)
	}

	var firstSeen int64
	err = s.readDb.QueryRow(
		"SELECT first_seen FROM seen WHERE job_id = ? AND key = ?", jobID, key).Scan(&firstSeen)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return false, fmt.Errorf("IsDuplicate: error querying -> %w", err)
	}

	if _, err := s.writeDb.Exec(
		"INSERT INTO seen (job_id, key, first_seen) VALUES (?, ?, ?)", jobID, key, now); err != nil {
		return false, fmt.Errorf("IsDuplicate: error inserting -> %w", err)
	}
	return false, nil
}

// Forget drops all rows of one job id, used when the compiler retires it.
func (s *Store) Forget(jobID uint32) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writeDb.Exec("DELETE FROM seen WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("Forget: error deleting -> %w", err)
	}
	return nil
}

func buildKey(flag uint32, fileName, filePath string) (string, error) {
	var nameKey, contentKey uint64
	var err error

	if flag&(constants.DcFilenameOnly|constants.DcNameAndContent) != 0 {
		nameKey = hashBytes(flag, []byte(fileName))
	}
	if flag&(constants.DcFileContent|constants.DcNameAndContent) != 0 {
		contentKey, err = hashFile(flag, filePath)
		if err != nil {
			return "", err
		}
	}

	switch {
	case flag&constants.DcNameAndContent != 0:
		return fmt.Sprintf("nc:%x:%x", nameKey, contentKey), nil
	case flag&constants.DcFileContent != 0:
		return fmt.Sprintf("c:%x", contentKey), nil
	default:
		return fmt.Sprintf("n:%x", nameKey), nil
	}
}

func hashBytes(flag uint32, p []byte) uint64 {
	switch {
	case flag&constants.DcCRC32C != 0:
		return uint64(crc32.Checksum(p, castagnoli))
	case flag&constants.DcXXH3 != 0:
		return xxh3.Hash(p)
	default:
		return uint64(crc32.ChecksumIEEE(p))
	}
}

func hashFile(flag uint32, path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("hashFile: error opening %s -> %w", path, err)
	}
	defer f.Close()

	if flag&constants.DcXXH3 != 0 {
		h := xxh3.New()
		if _, err := io.Copy(h, f); err != nil {
			return 0, fmt.Errorf("hashFile: error hashing %s -> %w", path, err)
		}
		return h.Sum64(), nil
	}

	tab := crc32.IEEETable
	if flag&constants.DcCRC32C != 0 {
		tab = castagnoli
	}
	h := crc32.New(tab)
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("hashFile: error hashing %s -> %w", path, err)
	}
	return uint64(h.Sum32()), nil
}
