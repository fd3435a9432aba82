package models

import "time"

type User struct {
	ID       int64
	Username string
	Password string // bcrypt hash, empty when registered by presence only
	Status   string
	Active   bool
}

type Contact struct {
	ID      int64
	Owner   string
	Contact string
	Active  bool
}

type LoginRecord struct {
	ID       int64
	Username string
	SourceIP string
	At       time.Time
}
