package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type periodicTask struct {
	run      func()
	interval time.Duration
	stop     chan struct{}
}

// BackgroundTaskManager runs periodic maintenance loops (pilot expiry sweeps
// and the like) and records their latency per task. Not threadsafe; register
// everything from one goroutine.
type BackgroundTaskManager struct {
	tasks         []*periodicTask
	metricsPrefix string
	wg            sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return &BackgroundTaskManager{metricsPrefix: metricsPrefix}
}

// Register starts the task immediately and reruns it every interval until
// StopAll. metricName labels the task's latency histogram.
func (m *BackgroundTaskManager) Register(run func(), interval time.Duration, metricName string) {
	t := &periodicTask{
		run:      run,
		interval: interval,
		stop:     make(chan struct{}),
	}
	m.tasks = append(m.tasks, t)

	latency := promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    m.metricsPrefix + metricName + "_latency_seconds",
		Help:    "Background loop " + metricName + " latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			start := time.Now()
			t.run()
			latency.Observe(time.Since(start).Seconds())

			select {
			case <-time.After(t.interval):
			case <-t.stop:
				return
			}
		}
	}()
}

// StopAll stops every registered task and waits for them to finish, up to
// the given timeout. Returns true if the timeout was hit.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	for _, t := range m.tasks {
		close(t.stop)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		return false
	case <-time.After(timeout):
		return true
	}
}
