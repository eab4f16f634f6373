package worker

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"agent-queue/internal/models"
	"agent-queue/internal/service"
)

// maxLogMessage keeps each log event under the queue's message limit.
const maxLogMessage = 4000

type eventAppender interface {
	AppendEvent(ctx context.Context, jobID string, req service.AppendEventRequest) (models.JobEvent, error)
}

// jobLog collects a job's stdout and stderr. Each stream ships its own
// kind=log events tagged with the stream name; the interleaved output is kept
// whole for the log artifact.
type jobLog struct {
	api      eventAppender
	jobID    string
	workerID string
	maxBytes int
	interval time.Duration
	log      *slog.Logger

	mu  sync.Mutex
	all bytes.Buffer

	Stdout *logStream
	Stderr *logStream
}

func newJobLog(api eventAppender, jobID, workerID string, maxBytes int, interval time.Duration, log *slog.Logger) *jobLog {
	if maxBytes <= 0 {
		maxBytes = 8192
	}
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	j := &jobLog{
		api:      api,
		jobID:    jobID,
		workerID: workerID,
		maxBytes: maxBytes,
		interval: interval,
		log:      log,
	}
	j.Stdout = j.stream("stdout", models.LevelInfo)
	j.Stderr = j.stream("stderr", models.LevelWarn)
	return j
}

func (j *jobLog) stream(name string, level models.EventLevel) *logStream {
	return &logStream{job: j, name: name, level: level, full: make(chan struct{}, 1)}
}

// run flushes both streams until ctx is done.
func (j *jobLog) run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range []*logStream{j.Stdout, j.Stderr} {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.run(ctx)
		}()
	}
	wg.Wait()
}

// Close ships whatever is still pending on either stream. It must not run
// concurrently with run.
func (j *jobLog) Close(ctx context.Context) {
	j.Stdout.flush(ctx)
	j.Stderr.flush(ctx)
}

func (j *jobLog) Bytes() []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	return bytes.Clone(j.all.Bytes())
}

// logStream is one output stream of a job. It flushes when maxBytes are
// pending or every interval.
type logStream struct {
	job   *jobLog
	name  string
	level models.EventLevel

	mu      sync.Mutex
	pending []byte
	seq     int
	full    chan struct{}
}

func (s *logStream) Write(p []byte) (int, error) {
	s.job.mu.Lock()
	s.job.all.Write(p)
	s.job.mu.Unlock()

	s.mu.Lock()
	s.pending = append(s.pending, p...)
	full := len(s.pending) >= s.job.maxBytes
	s.mu.Unlock()
	if full {
		select {
		case s.full <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

func (s *logStream) run(ctx context.Context) {
	ticker := time.NewTicker(s.job.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.full:
		}
		s.flush(ctx)
	}
}

func (s *logStream) flush(ctx context.Context) {
	s.mu.Lock()
	data := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, chunk := range splitLog(data, maxLogMessage) {
		if len(bytes.TrimSpace(chunk)) == 0 {
			continue
		}
		s.seq++
		_, err := s.job.api.AppendEvent(ctx, s.job.jobID, service.AppendEventRequest{
			WorkerID: s.job.workerID,
			Level:    s.level,
			Message:  string(chunk),
			Payload:  map[string]any{"kind": "log", "stream": s.name, "seq": s.seq},
		})
		if err != nil {
			s.job.log.Warn("dropping log chunk", "job_id", s.job.jobID, "stream", s.name, "bytes", len(chunk), "error", err)
		}
	}
}

// splitLog cuts data into pieces of at most n bytes without splitting runes.
func splitLog(data []byte, n int) [][]byte {
	var out [][]byte
	for len(data) > n {
		cut := n
		for cut > 0 && !utf8.RuneStart(data[cut]) {
			cut--
		}
		if cut == 0 {
			cut = n
		}
		out = append(out, data[:cut])
		data = data[cut:]
	}
	if len(data) > 0 {
		out = append(out, data)
	}
	return out
}
