package db

import (
	"encoding/json"
	"fmt"
	"time"

	"tangled.org/treadle/models"
	"tangled.org/treadle/notifier"
)

// Run is the stored form of a pipeline run.
type Run struct {
	Seq    int64                 `json:"-"`
	ID     string                `json:"id"`
	Ref    string                `json:"ref"`
	IsTag  bool                  `json:"is_tag,omitempty"`
	Status models.PipelineStatus `json:"status"`

	// only set for failed runs
	Error string `json:"error,omitempty"`

	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
	Finished time.Time `json:"finished"`
}

// Job is the stored form of one job record. Started and Finished are
// RFC 3339 strings, empty until the job reaches the matching point of
// its lifecycle.
type Job struct {
	Pipeline     string          `json:"-"`
	Name         string          `json:"name"`
	Stage        string          `json:"stage"`
	State        models.JobState `json:"state"`
	AllowFailure bool            `json:"allow_failure,omitempty"`
	ExitCode     int             `json:"exit_code,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Artifact     json.RawMessage `json:"artifact,omitempty"`
	Started      string          `json:"started,omitempty"`
	Finished     string          `json:"finished,omitempty"`
}

// CreateRun stores a freshly planned run and all its job records in
// one transaction, then announces it.
func (db *DB) CreateRun(run *models.PipelineRun, n *notifier.Notifier) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		insert into pipelines (id, ref, is_tag, status)
		values (?, ?, ?, ?)
	`, run.ID, run.Ref, run.IsTag, run.Status)
	if err != nil {
		return err
	}

	for _, name := range run.Order {
		j := run.Jobs[name]
		_, err = tx.Exec(`
			insert into jobs (pipeline, name, stage, state, allow_failure, reason)
			values (?, ?, ?, ?, ?, ?)
		`, run.ID, j.Name, j.Stage, j.State, j.AllowFailure, j.Reason)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return db.CreateStatusEvent(models.StatusEvent{
		Pipeline: run.ID,
		Status:   string(run.Status),
	}, n)
}

func (db *DB) MarkRunRunning(id string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update pipelines
		set status = ?, updated = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, models.StatusRunning, id)
	if err != nil {
		return err
	}

	return db.CreateStatusEvent(models.StatusEvent{
		Pipeline: id,
		Status:   string(models.StatusRunning),
	}, n)
}

func (db *DB) MarkRunSuccess(id string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update pipelines
		set status = ?,
		    updated = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, models.StatusSuccess, id)
	if err != nil {
		return err
	}

	return db.CreateStatusEvent(models.StatusEvent{
		Pipeline: id,
		Status:   string(models.StatusSuccess),
	}, n)
}

func (db *DB) MarkRunFailed(id, errorMsg string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update pipelines
		set status = ?,
		    error = ?,
		    updated = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, models.StatusFailed, errorMsg, id)
	if err != nil {
		return err
	}

	return db.CreateStatusEvent(models.StatusEvent{
		Pipeline: id,
		Status:   string(models.StatusFailed),
		Error:    errorMsg,
	}, n)
}

func (db *DB) MarkRunCancelled(id string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update pipelines
		set status = ?,
		    updated = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, models.StatusCancelled, id)
	if err != nil {
		return err
	}

	return db.CreateStatusEvent(models.StatusEvent{
		Pipeline: id,
		Status:   string(models.StatusCancelled),
	}, n)
}

// SaveJob writes a job's current record through to storage and
// announces the change.
func (db *DB) SaveJob(pipelineID string, j *models.JobRun, n *notifier.Notifier) error {
	var artifact string
	if j.Artifact != nil {
		b, err := json.Marshal(j.Artifact)
		if err != nil {
			return err
		}
		artifact = string(b)
	}

	_, err := db.Exec(`
		update jobs
		set state = ?, exit_code = ?, reason = ?, artifact = ?, started = ?, finished = ?
		where pipeline = ? and name = ?
	`, j.State, j.ExitCode, j.Reason, artifact, fmtTime(j.StartedAt), fmtTime(j.FinishedAt), pipelineID, j.Name)
	if err != nil {
		return err
	}

	return db.CreateStatusEvent(models.StatusEvent{
		Pipeline: pipelineID,
		Job:      j.Name,
		Stage:    j.Stage,
		Status:   string(j.State),
		ExitCode: j.ExitCode,
		Error:    j.Reason,
	}, n)
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (db *DB) GetRun(id string) (Run, []Job, error) {
	var r Run
	err := db.QueryRow(`
		select seq, id, ref, is_tag, status, error, created, updated, finished
		from pipelines
		where id = ?
	`, id).Scan(&r.Seq, &r.ID, &r.Ref, &r.IsTag, &r.Status, &r.Error, &r.Created, &r.Updated, &r.Finished)
	if err != nil {
		return Run{}, nil, err
	}

	rows, err := db.Query(`
		select pipeline, name, stage, state, allow_failure, exit_code, reason, artifact, started, finished
		from jobs
		where pipeline = ?
		order by id asc
	`, id)
	if err != nil {
		return Run{}, nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var artifact string
		err := rows.Scan(&j.Pipeline, &j.Name, &j.Stage, &j.State, &j.AllowFailure, &j.ExitCode, &j.Reason, &artifact, &j.Started, &j.Finished)
		if err != nil {
			return Run{}, nil, err
		}
		if artifact != "" {
			j.Artifact = json.RawMessage(artifact)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return Run{}, nil, err
	}

	return r, jobs, nil
}

func (db *DB) GetRuns(cursor int64) ([]Run, error) {
	whereClause := ""
	args := []any{}
	if cursor != 0 {
		whereClause = "where seq > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select seq, id, ref, is_tag, status, error, created, updated, finished
		from pipelines
		%s
		order by seq asc
		limit 100
	`, whereClause)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		err := rows.Scan(&r.Seq, &r.ID, &r.Ref, &r.IsTag, &r.Status, &r.Error, &r.Created, &r.Updated, &r.Finished)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}
