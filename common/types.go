package common

import "github.com/golang/glog"

// Verbosity levels for glog.V.
const (
	SHORT   glog.Level = 4
	DEBUG   glog.Level = 5
	VERBOSE glog.Level = 6
)

// SegmentCatalog stores closed segments for later lookup.
type SegmentCatalog interface {
	InsertSegment(rec *SegmentRecord) error
	SetArchiveURI(sessionID string, index uint32, uri string) error
	Segments(filter *SegmentFilter) ([]*SegmentRecord, error)
}
