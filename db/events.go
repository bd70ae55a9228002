package db

import (
	"encoding/json"
	"fmt"
	"time"

	"tangled.org/treadle/models"
	"tangled.org/treadle/notifier"
)

// Event is one entry of the append-only status feed consumed by the
// websocket stream. Created doubles as the stream cursor.
type Event struct {
	Pipeline  string `json:"pipeline"`
	Job       string `json:"job,omitempty"`
	EventJson string `json:"event"`
	Created   int64  `json:"created"`
}

func (db *DB) InsertEvent(event Event, n *notifier.Notifier) error {
	if event.Created == 0 {
		event.Created = time.Now().UnixNano()
	}

	_, err := db.Exec(`
		insert into events (pipeline, job, event, created)
		values (?, ?, ?, ?)
	`, event.Pipeline, event.Job, event.EventJson, event.Created)
	if err != nil {
		return err
	}

	n.NotifyAll()
	return nil
}

// GetEvents returns events strictly after the cursor, oldest first.
func (db *DB) GetEvents(cursor int64) ([]Event, error) {
	rows, err := db.Query(`
		select pipeline, job, event, created
		from events
		where created > ?
		order by created asc
		limit 100
	`, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Pipeline, &ev.Job, &ev.EventJson, &ev.Created); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// CreateStatusEvent marshals a status change and appends it to the
// event feed.
func (db *DB) CreateStatusEvent(status models.StatusEvent, n *notifier.Notifier) error {
	if status.CreatedAt == "" {
		status.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	eventJson, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshalling status event: %w", err)
	}

	return db.InsertEvent(Event{
		Pipeline:  status.Pipeline,
		Job:       status.Job,
		EventJson: string(eventJson),
	}, n)
}
