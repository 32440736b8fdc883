package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

type RequestEvent struct {
	Ts       time.Time `json:"ts"`
	ID       string    `json:"id"`
	Scheme   string    `json:"scheme"`
	Host     string    `json:"host"`
	Method   string    `json:"method"`
	Path     string    `json:"path"`
	Code     int       `json:"code"`
	Ms       int64     `json:"ms"`
	BytesIn  int64     `json:"bytesIn"`
	BytesOut int64     `json:"bytesOut"`
}

type hostStat struct {
	Req      uint64 `json:"req"`
	BytesIn  uint64 `json:"bytesIn"`
	BytesOut uint64 `json:"bytesOut"`
}

// Issuance counts certificate resolution outcomes.
type Issuance struct {
	CacheHits      uint64 `json:"cacheHits"`
	CacheMisses    uint64 `json:"cacheMisses"`
	Generated      uint64 `json:"generated"`
	GenerateMs     uint64 `json:"generateMs"`
	GenerateErrors uint64 `json:"generateErrors"`
	PublishErrors  uint64 `json:"publishErrors"`
	CAErrors       uint64 `json:"caErrors"`
	Timeouts       uint64 `json:"timeouts"`
}

type Snapshot struct {
	UptimeSec     uint64              `json:"uptimeSec"`
	TotalRequests uint64              `json:"totalRequests"`
	Codes         map[int]uint64      `json:"codes"`
	BytesIn       uint64              `json:"bytesIn"`
	BytesOut      uint64              `json:"bytesOut"`
	Hosts         map[string]hostStat `json:"hosts"`
	Issuance      Issuance            `json:"issuance"`
}

// Aggregator collects request and issuance statistics. A nil *Aggregator
// discards everything.
type Aggregator struct {
	startedAt     time.Time
	totalRequests atomic.Uint64
	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64

	cacheHits      atomic.Uint64
	cacheMisses    atomic.Uint64
	generated      atomic.Uint64
	generateMs     atomic.Uint64
	generateErrors atomic.Uint64
	publishErrors  atomic.Uint64
	caErrors       atomic.Uint64
	timeouts       atomic.Uint64

	mu    sync.Mutex
	codes map[int]uint64
	hosts map[string]hostStat
	buf   []RequestEvent // most recent events, replayed to new subscribers

	// subscribers receive events; non-blocking broadcast
	subMu sync.Mutex
	subs  map[chan RequestEvent]struct{}
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		startedAt: time.Now(),
		codes:     make(map[int]uint64),
		hosts:     make(map[string]hostStat),
		buf:       make([]RequestEvent, 0, 200),
		subs:      make(map[chan RequestEvent]struct{}),
	}
}

func (a *Aggregator) CacheHit() {
	if a != nil {
		a.cacheHits.Add(1)
	}
}

func (a *Aggregator) CacheMiss() {
	if a != nil {
		a.cacheMisses.Add(1)
	}
}

func (a *Aggregator) Generated(elapsed time.Duration) {
	if a != nil {
		a.generated.Add(1)
		a.generateMs.Add(uint64(elapsed.Milliseconds()))
	}
}

func (a *Aggregator) GenerateError() {
	if a != nil {
		a.generateErrors.Add(1)
	}
}

func (a *Aggregator) PublishError() {
	if a != nil {
		a.publishErrors.Add(1)
	}
}

func (a *Aggregator) CAError() {
	if a != nil {
		a.caErrors.Add(1)
	}
}

func (a *Aggregator) Timeout() {
	if a != nil {
		a.timeouts.Add(1)
	}
}

func (a *Aggregator) Add(ev RequestEvent) {
	if a == nil {
		return
	}
	a.totalRequests.Add(1)
	if ev.BytesIn > 0 {
		a.bytesIn.Add(uint64(ev.BytesIn))
	}
	if ev.BytesOut > 0 {
		a.bytesOut.Add(uint64(ev.BytesOut))
	}
	a.mu.Lock()
	a.codes[ev.Code]++
	hs := a.hosts[ev.Host]
	hs.Req++
	if ev.BytesIn > 0 {
		hs.BytesIn += uint64(ev.BytesIn)
	}
	if ev.BytesOut > 0 {
		hs.BytesOut += uint64(ev.BytesOut)
	}
	a.hosts[ev.Host] = hs
	if len(a.buf) == cap(a.buf) {
		a.buf = append(a.buf[:0], a.buf[1:]...)
	}
	a.buf = append(a.buf, ev)
	a.mu.Unlock()

	a.subMu.Lock()
	for ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	a.subMu.Unlock()
}

func (a *Aggregator) Snapshot() Snapshot {
	s := Snapshot{
		UptimeSec:     uint64(time.Since(a.startedAt).Seconds()),
		TotalRequests: a.totalRequests.Load(),
		BytesIn:       a.bytesIn.Load(),
		BytesOut:      a.bytesOut.Load(),
		Codes:         make(map[int]uint64),
		Hosts:         make(map[string]hostStat),
		Issuance: Issuance{
			CacheHits:      a.cacheHits.Load(),
			CacheMisses:    a.cacheMisses.Load(),
			Generated:      a.generated.Load(),
			GenerateMs:     a.generateMs.Load(),
			GenerateErrors: a.generateErrors.Load(),
			PublishErrors:  a.publishErrors.Load(),
			CAErrors:       a.caErrors.Load(),
			Timeouts:       a.timeouts.Load(),
		},
	}
	a.mu.Lock()
	for k, v := range a.codes {
		s.Codes[k] = v
	}
	for k, v := range a.hosts {
		s.Hosts[k] = v
	}
	a.mu.Unlock()
	return s
}

func (a *Aggregator) Subscribe() (chan RequestEvent, func()) {
	ch := make(chan RequestEvent, 64)
	// replay the newest backlog that fits without blocking
	a.mu.Lock()
	backlog := a.buf
	if len(backlog) > cap(ch) {
		backlog = backlog[len(backlog)-cap(ch):]
	}
	for _, ev := range backlog {
		ch <- ev
	}
	a.mu.Unlock()
	a.subMu.Lock()
	a.subs[ch] = struct{}{}
	a.subMu.Unlock()
	cancel := func() {
		a.subMu.Lock()
		if _, ok := a.subs[ch]; ok {
			delete(a.subs, ch)
			close(ch)
		}
		a.subMu.Unlock()
	}
	return ch, cancel
}
