// Package db persists the user/contact directory in sqlite. The dispatch
// core only talks to it through the server.Directory interface.
package db

import (
	"database/sql"
	"errors"
	"time"

	"jim/models"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var ErrNoRows = errors.New("no rows found")

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			contact TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			UNIQUE(owner, contact)
		)`,
		`CREATE TABLE IF NOT EXISTS login_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			source_ip TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner)`,
		`CREATE INDEX IF NOT EXISTS idx_login_history_username ON login_history(username, at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// RegisterUser creates the user on first contact and refreshes status on
// subsequent logins. A non-empty password is stored bcrypt-hashed; an empty
// one leaves any existing hash untouched. Every call records a login row.
func (db *DB) RegisterUser(username, password, status, sourceIP string) error {
	var hashed string
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		hashed = string(h)
	}

	exists, err := db.IsRegistered(username)
	if err != nil {
		return err
	}

	if !exists {
		_, err = db.conn.Exec(
			"INSERT INTO users (username, password, status) VALUES (?, ?, ?)",
			username, hashed, status,
		)
	} else if hashed != "" {
		_, err = db.conn.Exec(
			"UPDATE users SET password = ?, status = ? WHERE username = ?",
			hashed, status, username,
		)
	} else {
		_, err = db.conn.Exec(
			"UPDATE users SET status = ? WHERE username = ?",
			status, username,
		)
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = db.conn.Exec(
		"INSERT INTO login_history (username, source_ip, at) VALUES (?, ?, ?)",
		username, sourceIP, now,
	)
	return err
}

func (db *DB) IsRegistered(username string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Authenticate compares password against the stored hash. A user without a
// stored hash (registered by presence) accepts any password.
func (db *DB) Authenticate(username, password string) (bool, error) {
	var hashed string
	err := db.conn.QueryRow("SELECT password FROM users WHERE username = ?", username).Scan(&hashed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if hashed == "" {
		return true, nil
	}

	err = bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password))
	return err == nil, nil
}

// GetUser returns the stored record, or ErrNoRows for unknown usernames.
func (db *DB) GetUser(username string) (*models.User, error) {
	var u models.User
	err := db.conn.QueryRow(
		"SELECT id, username, password, status, active FROM users WHERE username = ?",
		username,
	).Scan(&u.ID, &u.Username, &u.Password, &u.Status, &u.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (db *DB) SetActive(username string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	_, err := db.conn.Exec("UPDATE users SET active = ? WHERE username = ?", flag, username)
	return err
}

// Contacts returns the usernames on the active edges of the owner's list.
func (db *DB) Contacts(owner string) ([]string, error) {
	rows, err := db.conn.Query(
		"SELECT id, owner, contact, active FROM contacts WHERE owner = ? AND active = 1 ORDER BY contact",
		owner,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.ID, &c.Owner, &c.Contact, &c.Active); err != nil {
			return nil, err
		}
		names = append(names, c.Contact)
	}

	return names, rows.Err()
}

// AddContact creates or reactivates the owner→contact edge.
func (db *DB) AddContact(owner, contact string) error {
	_, err := db.conn.Exec(
		`INSERT INTO contacts (owner, contact, active) VALUES (?, ?, 1)
		 ON CONFLICT(owner, contact) DO UPDATE SET active = 1`,
		owner, contact,
	)
	return err
}

// RemoveContact deactivates the edge rather than deleting it, so the
// relation history survives.
func (db *DB) RemoveContact(owner, contact string) error {
	result, err := db.conn.Exec(
		"UPDATE contacts SET active = 0 WHERE owner = ? AND contact = ? AND active = 1",
		owner, contact,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}

	return nil
}

// LoginHistory returns the most recent logins for a user, newest first.
func (db *DB) LoginHistory(username string, limit int) ([]models.LoginRecord, error) {
	rows, err := db.conn.Query(
		"SELECT id, username, source_ip, at FROM login_history WHERE username = ? ORDER BY at DESC LIMIT ?",
		username, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.LoginRecord
	for rows.Next() {
		var r models.LoginRecord
		var at string
		if err := rows.Scan(&r.ID, &r.Username, &r.SourceIP, &at); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339, at)
		records = append(records, r)
	}

	return records, rows.Err()
}
