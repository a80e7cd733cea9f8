package transcript

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/valter-silva-au/taskwatch/internal/events"
	"github.com/valter-silva-au/taskwatch/pkg/models"
)

// SessionSource supplies the live sessions whose transcripts are tailed.
// The gateway registry satisfies it.
type SessionSource interface {
	Sessions() []models.LiveSession
}

// Service drives the detector: on a fixed poll tick plus best-effort
// filesystem-change hints it tails every active session's transcript and
// publishes detected work events on the bus. Both trigger paths funnel into
// the tailer's offset state, so overlapping triggers are idempotent.
type Service struct {
	cfg      models.DetectorConfig
	source   SessionSource
	detector *Detector
	tailer   *Tailer
	bus      events.Bus

	// onError observes per-tick failures; a bad transcript never stops
	// subsequent ticks. May be nil.
	onError func(op string, err error)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a transcript Service with its collaborators injected.
func NewService(cfg models.DetectorConfig, source SessionSource, detector *Detector, tailer *Tailer, bus events.Bus, onError func(op string, err error)) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Service{
		cfg:      cfg,
		source:   source,
		detector: detector,
		tailer:   tailer,
		bus:      bus,
		onError:  onError,
		stopCh:   make(chan struct{}),
	}
}

func (s *Service) report(op string, err error) {
	if s.onError != nil {
		s.onError(op, err)
	}
}

// transcriptPath locates a session's transcript file by its opaque session
// id.
func (s *Service) transcriptPath(session models.LiveSession) string {
	return filepath.Join(s.cfg.TranscriptDir, session.SessionID+".jsonl")
}

// Start launches the poll loop. Filesystem notifications are best-effort: a
// watcher that cannot be created degrades to polling alone.
func (s *Service) Start() error {
	notify := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(s.cfg.TranscriptDir); err != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}

	if watcher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer watcher.Close()
			for {
				select {
				case <-s.stopCh:
					return
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
						select {
						case notify <- struct{}{}:
						default:
						}
					}
				case _, ok := <-watcher.Errors:
					if !ok {
						return
					}
				}
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.scan()
			case <-notify:
				s.scan()
			}
		}
	}()
	return nil
}

// scan tails every active session's transcript once. Failures are reported
// and skipped; a single bad transcript never halts the tick.
func (s *Service) scan() {
	for _, session := range s.source.Sessions() {
		if session.SessionID == "" {
			continue
		}
		path := s.transcriptPath(session)
		lines, err := s.tailer.Next(path)
		if err != nil {
			s.report(fmt.Sprintf("tailing %s", session.Key), err)
			continue
		}
		for _, line := range lines {
			rec := ParseRecord(line)
			if rec == nil {
				continue
			}
			for _, event := range s.detector.DetectEvents(*rec) {
				s.bus.Publish(events.TopicWorkEvent, events.WorkEventPayload{
					SessionKey: session.Key,
					Event:      event,
				})
			}
		}
	}
}

// Stop halts the loops and waits for them to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
