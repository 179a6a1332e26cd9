package bus

import (
  "sync"

  "github.com/belavarga1117/xg27-sensor-dashboard/sensor"
)

// Bus fans readings out to attached subscribers. Publish never blocks on a
// slow consumer: every subscriber owns an unbounded FIFO drained by its own
// pump goroutine, so one stalled stream cannot hold back the others.
type Bus struct {
  mu sync.Mutex
  subscribers map[uint64]*Subscriber
  nextID uint64
}

func New() *Bus {
  return &Bus{subscribers: make(map[uint64]*Subscriber)}
}

// Subscriber is one attached consumer. Readings arrive on C() in publish
// order.
type Subscriber struct {
  id uint64

  mu sync.Mutex
  queue []sensor.Reading
  closed bool

  wake chan struct{}
  done chan struct{}
  out chan sensor.Reading
  closeOnce sync.Once
}

func (b *Bus) Subscribe() *Subscriber {
  sub := &Subscriber{
    wake: make(chan struct{}, 1),
    done: make(chan struct{}),
    out: make(chan sensor.Reading),
  }

  b.mu.Lock()
  b.nextID += 1
  sub.id = b.nextID
  b.subscribers[sub.id] = sub
  b.mu.Unlock()

  go sub.pump()

  return sub
}

// Unsubscribe detaches sub and closes its channel. Queued but undelivered
// readings are dropped. Calling it again for the same subscriber, or with a
// subscriber this bus never issued, is a no-op.
func (b *Bus) Unsubscribe(sub *Subscriber) {
  if sub == nil {
    return
  }

  b.mu.Lock()

  // the identity check keeps a foreign bus's subscriber from evicting an
  // unrelated entry that happens to share its id
  if cur, ok := b.subscribers[sub.id]; ok && cur == sub {
    delete(b.subscribers, sub.id)
  }
  b.mu.Unlock()

  sub.close()
}

// Publish hands r to every subscriber attached at call time.
func (b *Bus) Publish(r sensor.Reading) {
  b.mu.Lock()
  subs := make([]*Subscriber, 0, len(b.subscribers))

  for _, sub := range b.subscribers {
    subs = append(subs, sub)
  }
  b.mu.Unlock()

  for _, sub := range subs {
    sub.enqueue(r)
  }
}

// Len reports how many subscribers are currently attached.
func (b *Bus) Len() int {
  b.mu.Lock()
  defer b.mu.Unlock()

  return len(b.subscribers)
}

// C delivers readings in publish order. It is closed by Unsubscribe.
func (s *Subscriber) C() <-chan sensor.Reading {
  return s.out
}

func (s *Subscriber) enqueue(r sensor.Reading) {
  s.mu.Lock()

  if s.closed {
    s.mu.Unlock()
    return
  }

  s.queue = append(s.queue, r)
  s.mu.Unlock()

  // non-blocking: a single token is enough, the pump drains the whole queue
  select {
  case s.wake <- struct{}{}:
  default:
  }
}

func (s *Subscriber) next() (sensor.Reading, bool) {
  s.mu.Lock()
  defer s.mu.Unlock()

  if len(s.queue) == 0 {
    return sensor.Reading{}, false
  }

  r := s.queue[0]
  s.queue = s.queue[1:]

  return r, true
}

func (s *Subscriber) pump() {
  defer close(s.out)

  for {
    r, ok := s.next()

    if !ok {
      select {
      case <-s.wake:
        continue
      case <-s.done:
        return
      }
    }

    select {
    case s.out <- r:
    case <-s.done:
      return
    }
  }
}

func (s *Subscriber) close() {
  s.closeOnce.Do(func() {
    s.mu.Lock()
    s.closed = true
    s.queue = nil
    s.mu.Unlock()

    close(s.done)
  })
}
