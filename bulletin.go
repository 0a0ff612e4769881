package oniri

import "errors"
import "sync"
import "time"

const BULLETIN_SUBSCRIPTION_CAPA int = 128

var ErrBulletinBlocked = errors.New("bulletin blocked")

type bulletin_item[T interface{}] struct {
	topic string
	data T
}

// BulletinSubscription receives the messages of one topic. A subscription
// to the empty topic receives everything.
type BulletinSubscription[T interface{}] struct {
	C chan T
	id uint64
	topic string
	b *Bulletin[T]
}

// Bulletin fans messages out to subscribers. Enqueue never blocks the
// publisher. It keeps at most capa messages and drops the oldest when full.
// A message is discarded for a subscriber whose channel is full.
type Bulletin[T interface{}] struct {
	sbsc_mtx sync.Mutex
	sbsc_map map[string]map[uint64]*BulletinSubscription[T]
	sbsc_seq uint64
	blocked bool

	q_mtx sync.Mutex
	q []bulletin_item[T]
	q_cap int
	q_dropped uint64
	q_chan chan struct{}

	stop_req sync.Once
	stop_chan chan struct{}
}

func NewBulletin[T interface{}](capa int) *Bulletin[T] {
	if capa <= 0 { capa = 1 }
	return &Bulletin[T]{
		sbsc_map: make(map[string]map[uint64]*BulletinSubscription[T]),
		q: make([]bulletin_item[T], 0, capa),
		q_cap: capa,
		q_chan: make(chan struct{}, 1),
		stop_chan: make(chan struct{}),
	}
}

func (b *Bulletin[T]) Subscribe(topic string) (*BulletinSubscription[T], error) {
	var sbsc *BulletinSubscription[T]
	var sm map[uint64]*BulletinSubscription[T]
	var ok bool

	b.sbsc_mtx.Lock()
	defer b.sbsc_mtx.Unlock()

	if b.blocked { return nil, ErrBulletinBlocked }

	b.sbsc_seq++
	sbsc = &BulletinSubscription[T]{
		C: make(chan T, BULLETIN_SUBSCRIPTION_CAPA),
		id: b.sbsc_seq,
		topic: topic,
		b: b,
	}

	sm, ok = b.sbsc_map[topic]
	if !ok {
		sm = make(map[uint64]*BulletinSubscription[T])
		b.sbsc_map[topic] = sm
	}
	sm[sbsc.id] = sbsc
	return sbsc, nil
}

func (b *Bulletin[T]) Unsubscribe(sbsc *BulletinSubscription[T]) {
	var sm map[uint64]*BulletinSubscription[T]
	var ok bool

	b.sbsc_mtx.Lock()
	defer b.sbsc_mtx.Unlock()

	if sbsc.b != b { return }
	sm, ok = b.sbsc_map[sbsc.topic]
	if !ok { return }
	if _, ok = sm[sbsc.id]; !ok { return }

	delete(sm, sbsc.id)
	if len(sm) == 0 { delete(b.sbsc_map, sbsc.topic) }
	close(sbsc.C)
	sbsc.b = nil
}

// UnsubscribeAll closes every subscription and blocks further activity.
func (b *Bulletin[T]) UnsubscribeAll() {
	var sm map[uint64]*BulletinSubscription[T]
	var sbsc *BulletinSubscription[T]

	b.sbsc_mtx.Lock()
	for _, sm = range b.sbsc_map {
		for _, sbsc = range sm {
			close(sbsc.C)
			sbsc.b = nil
		}
	}
	b.sbsc_map = make(map[string]map[uint64]*BulletinSubscription[T])
	b.blocked = true
	b.sbsc_mtx.Unlock()
}

func (b *Bulletin[T]) deliver_nolock(sm map[uint64]*BulletinSubscription[T], data T) {
	var sbsc *BulletinSubscription[T]

	for _, sbsc = range sm {
		select {
			case sbsc.C <- data:
			default:
				// subscriber too slow
		}
	}
}

// Publish hands data to the subscribers of topic and to the subscribers of
// everything, right away.
func (b *Bulletin[T]) Publish(topic string, data T) {
	b.sbsc_mtx.Lock()
	defer b.sbsc_mtx.Unlock()

	if b.blocked { return }
	if topic != "" { b.deliver_nolock(b.sbsc_map[topic], data) }
	b.deliver_nolock(b.sbsc_map[""], data)
}

// Enqueue queues data for delivery by RunTask.
func (b *Bulletin[T]) Enqueue(topic string, data T) {
	b.sbsc_mtx.Lock()
	if b.blocked {
		b.sbsc_mtx.Unlock()
		return
	}
	b.sbsc_mtx.Unlock()

	b.q_mtx.Lock()
	if len(b.q) >= b.q_cap {
		b.q = b.q[1:]
		b.q_dropped++
	}
	b.q = append(b.q, bulletin_item[T]{topic: topic, data: data})
	b.q_mtx.Unlock()

	select {
		case b.q_chan <- struct{}{}:
		default:
	}
}

func (b *Bulletin[T]) dequeue_all() []bulletin_item[T] {
	var items []bulletin_item[T]

	b.q_mtx.Lock()
	if len(b.q) > 0 {
		items = b.q
		b.q = make([]bulletin_item[T], 0, b.q_cap)
	}
	b.q_mtx.Unlock()
	return items
}

// Dropped returns the number of queued messages discarded for lack of room.
func (b *Bulletin[T]) Dropped() uint64 {
	b.q_mtx.Lock()
	defer b.q_mtx.Unlock()
	return b.q_dropped
}

// RunTask delivers queued messages until ReqStop is called. What is still
// queued at that point is delivered before it returns.
func (b *Bulletin[T]) RunTask(wg *sync.WaitGroup) {
	var items []bulletin_item[T]
	var it bulletin_item[T]
	var tmr *time.Timer
	var done bool

	defer wg.Done()

	tmr = time.NewTimer(3 * time.Second)
	defer tmr.Stop()

	for {
		items = b.dequeue_all()
		for _, it = range items { b.Publish(it.topic, it.data) }
		if done { break }

		select {
			case <-b.stop_chan:
				done = true
			case <-b.q_chan:
			case <-tmr.C:
				tmr.Reset(3 * time.Second)
		}
	}
}

func (b *Bulletin[T]) ReqStop() {
	b.stop_req.Do(func() { close(b.stop_chan) })
}
