package common

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/goleak"
)

// Shared in-memory catalog, private to the calling test. Subtest names
// contain slashes, which sqlite would read as a path.
func dbPath(t *testing.T) string {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}

// TempDB opens a catalog for t along with a raw handle on the same
// database for assertions. Both are closed when the test ends.
func TempDB(t *testing.T) (*DB, *sql.DB) {
	t.Helper()
	dbpath := dbPath(t)
	dbh, err := InitDB(dbpath)
	if err != nil {
		t.Fatalf("Unable to initialize catalog err=%q", err)
	}
	raw, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		dbh.Close()
		t.Fatalf("Unable to open raw sqlite db err=%q", err)
	}
	t.Cleanup(func() {
		raw.Close()
		dbh.Close()
	})
	return dbh, raw
}

// IgnoreRoutines lists goroutines started by libraries that outlive any
// single test.
func IgnoreRoutines() []goleak.Option {
	funcs2ignore := []string{
		"github.com/golang/glog.(*loggingT).flushDaemon",
		"github.com/golang/glog.(*fileSink).flushDaemon",
		"go.opencensus.io/stats/view.(*worker).start",
		"internal/poll.runtime_pollWait",
		"database/sql.(*DB).connectionOpener",
	}

	res := make([]goleak.Option, 0, len(funcs2ignore))
	for _, f := range funcs2ignore {
		res = append(res, goleak.IgnoreTopFunction(f))
	}
	return res
}
