package pending_test

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/angeloszaimis/upstream-pool/internal/endpoint"
)

type fakeRequest struct {
	id       uint64
	started  time.Time
	key      endpoint.Key
	hasKey   bool
	fired    atomic.Int32
	mutex    sync.Mutex
	activity time.Time
	// beforeStuck runs ahead of the stuck callback, like a response that
	// completes right as the reaper looks at the request.
	beforeStuck func()
}

func newFakeRequest(id uint64, key endpoint.Key) *fakeRequest {
	now := time.Now()
	return &fakeRequest{id: id, started: now, activity: now, key: key, hasKey: !key.IsZero()}
}

func (f *fakeRequest) ID() uint64           { return f.id }
func (f *fakeRequest) StartedAt() time.Time { return f.started }
func (f *fakeRequest) Target() string       { return "/slow" }

func (f *fakeRequest) ConnectionKey() (endpoint.Key, bool) {
	return f.key, f.hasKey
}

func (f *fakeRequest) touch(at time.Time) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.activity = at
}

func (f *fakeRequest) FailIfStuck(now time.Time, timeout time.Duration, onStuck func()) {
	f.mutex.Lock()
	delta := now.Sub(f.activity)
	f.mutex.Unlock()

	if delta >= timeout {
		f.fired.Add(1)
		if f.beforeStuck != nil {
			f.beforeStuck()
		}
		onStuck()
	}
}

type report struct {
	key    endpoint.Key
	at     time.Time
	reason string
}

type fakeReporter struct {
	mutex   sync.Mutex
	reports []report
}

func (f *fakeReporter) ReportUnreachable(key endpoint.Key, at time.Time, reason string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.reports = append(f.reports, report{key: key, at: at, reason: reason})
}

func (f *fakeReporter) Reports() []report {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	out := make([]report, len(f.reports))
	copy(out, f.reports)
	return out
}
