package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	// every pooled connection to :memory: opens its own empty
	// database, so pin in-memory mode to a single connection
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
		create table if not exists pipelines (
			-- seq orders runs for cursor pagination
			seq integer primary key autoincrement,
			id text not null unique,
			ref text not null,
			is_tag integer not null default 0,
			status text not null,
			error text not null default '',
			created datetime not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated datetime not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			finished datetime not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		);

		create table if not exists jobs (
			id integer primary key autoincrement,
			pipeline text not null,
			name text not null,
			stage text not null,
			state text not null,
			allow_failure integer not null default 0,
			exit_code integer not null default 0,
			reason text not null default '',
			artifact text not null default '', -- json handle
			started text not null default '',
			finished text not null default '',

			unique (pipeline, name)
		);

		-- status events for runs and their jobs
		create table if not exists events (
			pipeline text not null,
			job text not null default '',
			event text not null, -- json
			created integer not null -- unix nanos
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
