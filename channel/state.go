package channel

import (
	"sync"
	"time"

	"bdt/errs"
)

type canceledDownload struct {
	session *DownloadSession
	when    time.Time
}

// downloadState tracks every running/recently-canceled DownloadSession
// for one Channel plus its speed accounting, grounded on channel.rs's
// DownloadState.
type downloadState struct {
	mu            sync.Mutex
	running       map[uint32]*DownloadSession
	canceled      map[uint32]canceledDownload
	speedCounter  *SpeedCounter
	curSpeed      uint32
	historySpeed  *HistorySpeed
}

func newDownloadState(cfg HistorySpeedConfig, now time.Time) *downloadState {
	return &downloadState{
		running:      make(map[uint32]*DownloadSession),
		canceled:     make(map[uint32]canceledDownload),
		speedCounter: NewSpeedCounter(now),
		historySpeed: NewHistorySpeed(0, cfg),
	}
}

func (s *downloadState) isEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running) == 0
}

func (s *downloadState) find(id uint32) (*DownloadSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.running[id]; ok {
		return sess, true
	}
	if c, ok := s.canceled[id]; ok {
		return c.session, true
	}
	return nil, false
}

// add registers a new session, rejecting a duplicate id.
func (s *downloadState) add(session *DownloadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[session.SessionId()]; ok {
		return errs.New(errs.AlreadyExists, "channel: duplicated download session")
	}
	if _, ok := s.canceled[session.SessionId()]; ok {
		return errs.New(errs.AlreadyExists, "channel: duplicated download session")
	}
	s.running[session.SessionId()] = session
	return nil
}

func (s *downloadState) cancel(id uint32, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.running[id]; ok {
		delete(s.running, id)
		s.canceled[id] = canceledDownload{session: sess, when: now}
	}
}

func (s *downloadState) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *downloadState) calcSpeed(now time.Time) uint32 {
	speed := s.speedCounter.Update(now)
	s.mu.Lock()
	s.curSpeed = speed
	running := len(s.running) > 0
	s.mu.Unlock()
	if running {
		s.historySpeed.Update(&speed, now)
	} else {
		s.historySpeed.Update(nil, now)
	}
	return speed
}

func (s *downloadState) curSpeedValue() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curSpeed
}

func (s *downloadState) historySpeedAverage() uint32 { return s.historySpeed.Average() }

// onTimeEscape purges canceled sessions older than 2*msl and returns the
// still-running ones, mirroring channel.rs's DownloadState::on_time_escape.
func (s *downloadState) onTimeEscape(now time.Time, msl time.Duration) []*DownloadSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.canceled {
		if now.After(c.when) && now.Sub(c.when) > 2*msl {
			delete(s.canceled, id)
		}
	}
	running := make([]*DownloadSession, 0, len(s.running))
	for _, sess := range s.running {
		running = append(running, sess)
	}
	return running
}

type canceledUpload struct {
	session *UploadSession
	when    time.Time
}

// uploadState tracks every running/recently-canceled UploadSession for
// one Channel. Unlike the Rust source, which parks running uploads on
// the per-tunnel uploader list, this Channel keeps them here directly
// since the Go tunnel.Container has no equivalent per-tunnel registry
// (documented in DESIGN.md).
type uploadState struct {
	mu           sync.Mutex
	running      map[uint32]*UploadSession
	canceled     map[uint32]canceledUpload
	curSpeed     uint32
	speedCounter *SpeedCounter
	historySpeed *HistorySpeed
}

func newUploadState(cfg HistorySpeedConfig, now time.Time) *uploadState {
	return &uploadState{
		running:      make(map[uint32]*UploadSession),
		canceled:     make(map[uint32]canceledUpload),
		speedCounter: NewSpeedCounter(now),
		historySpeed: NewHistorySpeed(0, cfg),
	}
}

func (s *uploadState) add(session *UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[session.SessionId()]; ok {
		return errs.New(errs.AlreadyExists, "channel: duplicated upload session")
	}
	s.running[session.SessionId()] = session
	return nil
}

func (s *uploadState) find(id uint32) (*UploadSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.running[id]; ok {
		return sess, true
	}
	if c, ok := s.canceled[id]; ok {
		return c.session, true
	}
	return nil, false
}

func (s *uploadState) cancel(id uint32, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.running[id]; ok {
		delete(s.running, id)
		s.canceled[id] = canceledUpload{session: sess, when: now}
	}
}

func (s *uploadState) calcSpeed(now time.Time) uint32 {
	speed := s.speedCounter.Update(now)
	s.mu.Lock()
	s.curSpeed = speed
	running := len(s.running) > 0
	s.mu.Unlock()
	if running {
		s.historySpeed.Update(&speed, now)
	} else {
		s.historySpeed.Update(nil, now)
	}
	return speed
}

func (s *uploadState) curSpeedValue() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curSpeed
}

func (s *uploadState) historySpeedAverage() uint32 { return s.historySpeed.Average() }

func (s *uploadState) onTimeEscape(now time.Time, msl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.canceled {
		if now.After(c.when) && now.Sub(c.when) > 2*msl {
			delete(s.canceled, id)
		}
	}
}

func (s *uploadState) sessions() []*UploadSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*UploadSession, 0, len(s.running))
	for _, sess := range s.running {
		out = append(out, sess)
	}
	return out
}
