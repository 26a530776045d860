package contactsdb

import "log/slog"

// NotificationCategory names one of the fixed-order notification buckets
// flushed to subscribers on commit (spec §4.F).
type NotificationCategory int

const (
	NotifyDisplayLabelGroupsChanged NotificationCategory = iota
	NotifyCollectionsAdded
	NotifyCollectionsChanged
	NotifyContactsAdded
	NotifyContactsChanged
	NotifyContactsPresenceChanged
	NotifySyncCollectionsChanged
	NotifyContactsRemoved
	NotifyCollectionsRemoved
)

// flushOrder is the fixed drain order from spec §4.F.
var flushOrder = []NotificationCategory{
	NotifyDisplayLabelGroupsChanged,
	NotifyCollectionsAdded,
	NotifyCollectionsChanged,
	NotifyContactsAdded,
	NotifyContactsChanged,
	NotifyContactsPresenceChanged,
	NotifySyncCollectionsChanged,
	NotifyContactsRemoved,
	NotifyCollectionsRemoved,
}

// NotificationSink receives one category's id list on a successful commit.
// suppressedCollection is nonzero when the flush originates from a
// SyncReconciler operation on that collection, letting a sync adapter skip
// echoing its own writes back to itself (spec §4.H).
type NotificationSink func(category NotificationCategory, ids []int64, suppressedCollection int64)

// notificationAccumulator buffers pending changes for the duration of one
// write transaction, draining them in flushOrder on commit. A rollback (or
// any failure before commit) discards the buffer untouched (spec §4.F).
type notificationAccumulator struct {
	pending            map[NotificationCategory][]int64
	sinks              []NotificationSink
	logger             *slog.Logger
	suppressCollection int64
}

func newNotificationAccumulator() *notificationAccumulator {
	return &notificationAccumulator{pending: make(map[NotificationCategory][]int64)}
}

// Subscribe registers sink to receive every future flush.
func (n *notificationAccumulator) Subscribe(sink NotificationSink) {
	n.sinks = append(n.sinks, sink)
}

func (n *notificationAccumulator) record(category NotificationCategory, ids ...int64) {
	if len(ids) == 0 {
		return
	}

	n.pending[category] = append(n.pending[category], ids...)
}

// suppressFor marks collectionID as the source of the next flush, so sinks
// can avoid re-delivering it to the adapter that produced it (spec §4.H).
func (n *notificationAccumulator) suppressFor(collectionID int64) {
	n.suppressCollection = collectionID
}

// clear discards the buffer, used on rollback (spec §4.F).
func (n *notificationAccumulator) clear() {
	n.pending = make(map[NotificationCategory][]int64)
	n.suppressCollection = 0
}

// flush drains the buffer to every subscriber in flushOrder, then clears it.
// Called only after a successful commit.
func (n *notificationAccumulator) flush() {
	suppressed := n.suppressCollection

	for _, category := range flushOrder {
		ids := n.pending[category]
		if len(ids) == 0 {
			continue
		}

		for _, sink := range n.sinks {
			sink(category, ids, suppressed)
		}
	}

	n.clear()
}
