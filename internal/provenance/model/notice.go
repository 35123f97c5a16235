package model

// Notification types emitted once a change has committed.
const (
	NoticeBatchCreated       = "batch.created"
	NoticeCustodyTransferred = "custody.transferred"
	NoticeBatchPurged        = "batch.purged"
	NoticeDayAnchored        = "day.anchored"
)

// NoticeTypes lists every notification type a subscriber may ask for.
var NoticeTypes = []string{
	NoticeBatchCreated,
	NoticeCustodyTransferred,
	NoticeBatchPurged,
	NoticeDayAnchored,
}

// IsNoticeType reports whether s names a notification type.
func IsNoticeType(s string) bool {
	for _, t := range NoticeTypes {
		if t == s {
			return true
		}
	}
	return false
}
