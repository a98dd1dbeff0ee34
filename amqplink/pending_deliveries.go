package amqplink

import (
	"sort"
	"strconv"

	"github.com/benbjohnson/clock"

	"github.com/Thejuampi/amqplink-go/amqplink/internal/deliverytag"
)

// pendingDelivery is a transfer awaiting a terminal outcome.
type pendingDelivery struct {
	sequence   uint64
	tag        []byte
	payload    []byte
	format     uint32
	future     *Future[struct{}]
	tracker    *DeadlineTracker
	timer      *clock.Timer
	generation uint64 // link generation last transmitted on; zero before the first attempt
	retry      *clock.Timer
	retried    bool
}

// retryID keys the retry count of this delivery apart from its link's.
func (delivery *pendingDelivery) retryID(linkName string) string {
	return linkName + "/" + strconv.FormatUint(delivery.sequence, 10)
}

func (delivery *pendingDelivery) tagKey() uint64 {
	key, _ := deliverytag.Decode(delivery.tag)
	return key
}

// pendingDeliveries indexes in-flight deliveries by tag and replays them in
// submission order. It is owned by the dispatcher.
type pendingDeliveries struct {
	byTag        map[uint64]*pendingDelivery
	nextSequence uint64
}

func newPendingDeliveries() *pendingDeliveries {
	return &pendingDeliveries{
		byTag:        make(map[uint64]*pendingDelivery),
		nextSequence: 1,
	}
}

func (store *pendingDeliveries) add(delivery *pendingDelivery) {
	delivery.sequence = store.nextSequence
	store.nextSequence++
	store.byTag[delivery.tagKey()] = delivery
}

func (store *pendingDeliveries) get(tag []byte) (*pendingDelivery, bool) {
	key, ok := deliverytag.Decode(tag)
	if !ok {
		return nil, false
	}
	delivery, ok := store.byTag[key]
	return delivery, ok
}

// contains reports whether delivery is still pending under its current tag.
func (store *pendingDeliveries) contains(delivery *pendingDelivery) bool {
	current, ok := store.byTag[delivery.tagKey()]
	return ok && current == delivery
}

func (store *pendingDeliveries) remove(delivery *pendingDelivery) bool {
	if !store.contains(delivery) {
		return false
	}
	delete(store.byTag, delivery.tagKey())
	return true
}

// retag moves delivery to a fresh tag so late outcomes for the old one are ignored.
func (store *pendingDeliveries) retag(delivery *pendingDelivery, tag []byte) {
	if store.contains(delivery) {
		delete(store.byTag, delivery.tagKey())
	}
	delivery.tag = tag
	store.byTag[delivery.tagKey()] = delivery
}

// ordered returns every pending delivery sorted by submission sequence.
func (store *pendingDeliveries) ordered() []*pendingDelivery {
	deliveries := make([]*pendingDelivery, 0, len(store.byTag))
	for _, delivery := range store.byTag {
		deliveries = append(deliveries, delivery)
	}
	sort.Slice(deliveries, func(i, j int) bool { return deliveries[i].sequence < deliveries[j].sequence })
	return deliveries
}

// oldest returns the earliest submitted pending delivery.
func (store *pendingDeliveries) oldest() (*pendingDelivery, bool) {
	var oldest *pendingDelivery
	for _, delivery := range store.byTag {
		if oldest == nil || delivery.sequence < oldest.sequence {
			oldest = delivery
		}
	}
	return oldest, oldest != nil
}

func (store *pendingDeliveries) len() int {
	return len(store.byTag)
}

// drain removes and returns every pending delivery in submission order.
func (store *pendingDeliveries) drain() []*pendingDelivery {
	deliveries := store.ordered()
	store.byTag = make(map[uint64]*pendingDelivery)
	return deliveries
}
