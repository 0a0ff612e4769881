package oniri

import "sync"
import "testing"
import "time"

func drain_count[T interface{}](c chan T, tmout time.Duration) int {
	var n int
	var tmr *time.Timer

	tmr = time.NewTimer(tmout)
	defer tmr.Stop()
	for {
		select {
			case _, ok := <-c:
				if !ok { return n }
				n++
			case <-tmr.C:
				return n
		}
	}
}

func TestBulletinPublishByTopic(t *testing.T) {
	var b *Bulletin[string]
	var s1 *BulletinSubscription[string]
	var s2 *BulletinSubscription[string]
	var all *BulletinSubscription[string]
	var err error

	b = NewBulletin[string](16)
	s1, _ = b.Subscribe("t1")
	s2, _ = b.Subscribe("t2")
	all, _ = b.Subscribe("")

	b.Publish("t1", "donkey")
	b.Publish("t2", "monkey")
	b.Publish("t1", "donkey kong")
	b.Publish("t3", "home")

	b.Unsubscribe(s2)
	b.Publish("t2", "lion king")
	b.Unsubscribe(s2)

	b.UnsubscribeAll()
	b.Publish("t1", "blocked")
	_, err = b.Subscribe("t1")
	if err != ErrBulletinBlocked { t.Errorf("subscribed on a blocked bulletin") }

	if n := drain_count(s1.C, time.Second); n != 2 { t.Errorf("s1 expected 2 messages, got %d", n) }
	if n := drain_count(s2.C, time.Second); n != 1 { t.Errorf("s2 expected 1 message, got %d", n) }
	if n := drain_count(all.C, time.Second); n != 5 { t.Errorf("catch-all expected 5 messages, got %d", n) }
}

func TestBulletinQueue(t *testing.T) {
	var b *Bulletin[*ServiceEvent]
	var s *BulletinSubscription[*ServiceEvent]
	var wg sync.WaitGroup
	var evt *ServiceEvent
	var i int

	b = NewBulletin[*ServiceEvent](4)
	s, _ = b.Subscribe("key-1")

	// nothing drains the queue yet. the oldest ones get dropped
	for i = 0; i < 6; i++ {
		b.Enqueue("key-1", &ServiceEvent{Service: ServiceRef{ServiceKey: "key-1"}, Msg: ServiceEventMsg{Type: SERVICE_EVENT_CONNECTED, Data: i}})
	}
	if b.Dropped() != 2 { t.Errorf("expected 2 dropped, got %d", b.Dropped()) }

	wg.Add(1)
	go b.RunTask(&wg)

	select {
		case evt = <-s.C:
			if evt.Msg.Data.(int) != 2 { t.Errorf("expected the third event first, got %v", evt.Msg.Data) }
		case <-time.After(3 * time.Second):
			t.Fatalf("no event delivered")
	}

	b.Enqueue("key-2", &ServiceEvent{})
	b.ReqStop()
	b.ReqStop()
	wg.Wait()

	if n := drain_count(s.C, 100 * time.Millisecond); n != 3 { t.Errorf("expected 3 more events, got %d", n) }
}
