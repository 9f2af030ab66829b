package common

import (
	"bytes"
	"database/sql"
	"text/template"
	"time"

	"github.com/golang/glog"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// DB is the catalog of finished segment files.
type DB struct {
	dbh *sql.DB

	// prepared statements
	insertSegment *sql.Stmt
	updateArchive *sql.Stmt
}

// SegmentRecord is one closed segment file.
type SegmentRecord struct {
	SessionID string
	Index     uint32
	Path      string
	Samples   int
	Bytes     int64
	Duration  time.Duration
	ClosedAt  time.Time

	// Object store URI once the file was archived
	ArchiveURI string
}

// SegmentFilter narrows Segments. Zero values match everything.
type SegmentFilter struct {
	SessionID string
	Since     time.Time
	Limit     int
}

var schema = `
	CREATE TABLE IF NOT EXISTS segments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sessionID STRING NOT NULL,
		idx INTEGER NOT NULL,
		path STRING NOT NULL,
		samples INTEGER NOT NULL DEFAULT 0,
		bytes INTEGER NOT NULL DEFAULT 0,
		durationMs INTEGER NOT NULL DEFAULT 0,
		closedAt INTEGER NOT NULL,
		archiveURI STRING NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS {{.SessionIndex}} ON segments(sessionID, idx);
`

func InitDB(dbPath string) (*DB, error) {
	d := DB{}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		glog.Error("Unable to open DB ", dbPath, err)
		return nil, err
	}
	d.dbh = db
	schemaBuf := new(bytes.Buffer)
	tmpl := template.Must(template.New("schema").Parse(schema))
	tmpl.Execute(schemaBuf, map[string]string{"SessionIndex": "idx_segments_session"})
	_, err = db.Exec(schemaBuf.String())
	if err != nil {
		glog.Error("Error initializing schema ", err)
		d.Close()
		return nil, err
	}

	stmt, err := db.Prepare(`INSERT INTO segments(sessionID, idx, path, samples, bytes, durationMs, closedAt)
		VALUES(?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		glog.Error("Unable to prepare insertSegment stmt ", err)
		d.Close()
		return nil, err
	}
	d.insertSegment = stmt

	stmt, err = db.Prepare("UPDATE segments SET archiveURI=? WHERE sessionID=? AND idx=?")
	if err != nil {
		glog.Error("Unable to prepare updateArchive stmt ", err)
		d.Close()
		return nil, err
	}
	d.updateArchive = stmt

	glog.V(DEBUG).Info("Initialized segment catalog ", dbPath)
	return &d, nil
}

func (db *DB) Close() {
	glog.V(DEBUG).Info("Closing DB")
	if db.insertSegment != nil {
		db.insertSegment.Close()
	}
	if db.updateArchive != nil {
		db.updateArchive.Close()
	}
	if db.dbh != nil {
		db.dbh.Close()
	}
}

// InsertSegment adds a closed segment. A nil DB is a no-op so callers can
// run without a catalog.
func (db *DB) InsertSegment(rec *SegmentRecord) error {
	if db == nil {
		return nil
	}
	if rec == nil || rec.Path == "" {
		return errors.New("segment record requires a path")
	}
	closedAt := rec.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now()
	}
	glog.V(DEBUG).Infof("db: Inserting segment session=%s index=%d path=%s", rec.SessionID, rec.Index, rec.Path)
	_, err := db.insertSegment.Exec(rec.SessionID, rec.Index, rec.Path, rec.Samples, rec.Bytes,
		rec.Duration.Milliseconds(), closedAt.UnixMilli())
	if err != nil {
		glog.Error("db: Unable to insert segment ", err)
		return err
	}
	return nil
}

// SetArchiveURI records where a catalogued segment was archived to.
func (db *DB) SetArchiveURI(sessionID string, index uint32, uri string) error {
	if db == nil {
		return nil
	}
	glog.V(DEBUG).Infof("db: Setting archive uri session=%s index=%d uri=%s", sessionID, index, uri)
	res, err := db.updateArchive.Exec(uri, sessionID, index)
	if err != nil {
		glog.Error("db: Unable to update archive uri ", err)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("no segment session=%s index=%d", sessionID, index)
	}
	return nil
}

// Segments lists catalogued segments in the order they were closed.
func (db *DB) Segments(filter *SegmentFilter) ([]*SegmentRecord, error) {
	if db == nil {
		return nil, nil
	}
	qry := "SELECT sessionID, idx, path, samples, bytes, durationMs, closedAt, archiveURI FROM segments WHERE 1=1"
	var args []interface{}
	if filter != nil {
		if filter.SessionID != "" {
			qry += " AND sessionID = ?"
			args = append(args, filter.SessionID)
		}
		if !filter.Since.IsZero() {
			qry += " AND closedAt >= ?"
			args = append(args, filter.Since.UnixMilli())
		}
	}
	qry += " ORDER BY id"
	if filter != nil && filter.Limit > 0 {
		qry += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.dbh.Query(qry, args...)
	if err != nil {
		glog.Error("db: Unable to select segments ", err)
		return nil, err
	}
	defer rows.Close()

	var segs []*SegmentRecord
	for rows.Next() {
		var (
			rec        SegmentRecord
			durationMs int64
			closedAt   int64
		)
		if err := rows.Scan(&rec.SessionID, &rec.Index, &rec.Path, &rec.Samples, &rec.Bytes, &durationMs, &closedAt, &rec.ArchiveURI); err != nil {
			glog.Error("db: Unable to scan segment ", err)
			return nil, err
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.ClosedAt = time.UnixMilli(closedAt)
		segs = append(segs, &rec)
	}
	return segs, rows.Err()
}
