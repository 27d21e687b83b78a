package session

import (
	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// BeginRun transitions a session into the running state under runID.
// The ready→running edge stamps RunStartedAt and resets progress; a
// later run id for an already-running session is recorded without
// restamping. Reports whether the session changed.
func BeginRun(s *types.Session, runID string, now int64) bool {
	if s.RunState == types.RunRunning {
		if runID != "" && s.ActiveRunID != runID {
			s.ActiveRunID = runID
			return true
		}
		return false
	}

	s.RunState = types.RunRunning
	s.ActiveRunID = runID
	s.RunStartedAt = now
	s.Progress = types.Progress{}
	return true
}

// FinishRun returns a session to ready. When RunStartedAt is set the
// elapsed wall time is recorded as a divider entry before the run
// bookkeeping is cleared. Progress resets on the transition. Reports
// whether the session changed.
func FinishRun(s *types.Session, now int64) bool {
	if s.RunState != types.RunRunning {
		return false
	}

	if s.RunStartedAt > 0 {
		s.Messages = append(s.Messages, NewDivider(now-s.RunStartedAt, now))
	}
	s.RunState = types.RunReady
	s.ActiveRunID = ""
	s.RunStartedAt = 0
	s.Progress = types.Progress{}
	return true
}

// SetProgress updates the in-flight progress line. Length capping
// happens at commit time in Registry.Update.
func SetProgress(s *types.Session, text string, kind types.ActivityCategory) bool {
	if s.Progress.Text == text && s.Progress.Kind == kind {
		return false
	}
	s.Progress = types.Progress{Text: text, Kind: kind}
	return true
}
