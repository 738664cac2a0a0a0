package sqlstore

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/sirupsen/logrus"

	"pigeon/internal/crypto"
	"pigeon/internal/models"
	"pigeon/internal/store"
)

// Identical re-submits for the same (sender, receiver) pair within this
// window are dropped.
const dedupWindow = 1.0 // seconds

type SQLStore struct {
	db         *sql.DB
	driverName string
	cipher     *crypto.Cipher

	// Serializes the read-check-append sequence in SaveMessage so concurrent
	// writers cannot both miss the duplicate check.
	mu sync.Mutex

	now func() time.Time
}

func New(driverName, dataSourceName string, cipher *crypto.Cipher) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName, cipher: cipher, now: time.Now}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	// Simplified for brevity, ideally use migrations
	query := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender TEXT NOT NULL,
		receiver TEXT NOT NULL,
		ciphertext TEXT NOT NULL,
		timestamp REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender, receiver, timestamp);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
		query = strings.ReplaceAll(query, "REAL", "DOUBLE PRECISION")
	}

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func (s *SQLStore) CreateUser(username, passwordHash string) error {
	query := s.rebind("INSERT INTO users (username, password) VALUES (?, ?)")
	_, err := s.db.Exec(query, username, passwordHash)
	return err
}

func (s *SQLStore) GetUserByUsername(username string) (*models.User, error) {
	var user models.User
	query := s.rebind("SELECT username, password FROM users WHERE username = ?")
	err := s.db.QueryRow(query, username).Scan(&user.Username, &user.Password)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *SQLStore) GetAllUsers() ([]string, error) {
	rows, err := s.db.Query("SELECT username FROM users ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SaveMessage encrypts plaintext and appends it to the log, unless an entry
// for the same ordered (sender, receiver) pair within the dedup window
// decrypts to the same plaintext, in which case it reports (false, nil).
func (s *SQLStore) SaveMessage(sender, receiver, plaintext string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := unixSeconds(s.now())

	query := s.rebind(`
		SELECT ciphertext FROM messages
		WHERE sender = ? AND receiver = ? AND timestamp > ?
		ORDER BY id DESC`)
	rows, err := s.db.Query(query, sender, receiver, now-dedupWindow)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var ct string
		if err := rows.Scan(&ct); err != nil {
			return false, err
		}
		prior, err := s.cipher.Decrypt(ct)
		if err != nil {
			// Unreadable rows can never match; skip them.
			continue
		}
		if prior == plaintext {
			return false, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}

	ciphertext, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return false, err
	}

	insert := s.rebind("INSERT INTO messages (sender, receiver, ciphertext, timestamp) VALUES (?, ?, ?, ?)")
	if _, err := s.db.Exec(insert, sender, receiver, ciphertext, now); err != nil {
		return false, err
	}
	return true, nil
}

// GetMessages returns every message involving user, or only the user/peer
// pair (matched in either direction) when peer is non-empty. Bodies are
// decrypted; a body that fails to decrypt degrades to a placeholder instead
// of failing the call. Results are sorted by ascending timestamp.
func (s *SQLStore) GetMessages(user, peer string) ([]models.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if peer != "" {
		query := s.rebind(`
			SELECT sender, receiver, ciphertext, timestamp FROM messages
			WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)`)
		rows, err = s.db.Query(query, user, peer, peer, user)
	} else {
		query := s.rebind(`
			SELECT sender, receiver, ciphertext, timestamp FROM messages
			WHERE sender = ? OR receiver = ?`)
		rows, err = s.db.Query(query, user, user)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.Sender, &m.Receiver, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		plain, err := s.cipher.Decrypt(m.Content)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"sender":   m.Sender,
				"receiver": m.Receiver,
			}).WithError(err).Debug("message body failed to decrypt")
			m.Content = store.EncryptedPlaceholder
		} else {
			m.Content = plain
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp < messages[j].Timestamp
	})
	return messages, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
