package connstate

import "time"

// Transition applies ev to s and returns the next state. It performs no
// I/O. maxAttempts <= 0 disables the attempt cap.
func Transition(s State, ev Event, maxAttempts int, now time.Time) State {
	next := s
	switch ev.Kind {
	case EventConnected:
		if !s.IsOnline {
			return s
		}
		next.Status = StatusConnected
		next.ReconnectAttempts = 0
		next.ReconnectStartTime = nil
		next.LastError = ""

	case EventConnectionLost:
		next.LastError = errString(ev.Err, "connection lost")
		switch s.Status {
		case StatusConnecting, StatusConnected:
			if !s.IsOnline {
				next.Status = StatusOffline
				return next
			}
			next.Status = StatusReconnecting
			if next.ReconnectStartTime == nil {
				next.ReconnectStartTime = timePtr(now)
			}
		}

	case EventAttemptFailed:
		if s.Status != StatusConnecting && s.Status != StatusReconnecting {
			next.LastError = errString(ev.Err, next.LastError)
			return next
		}
		next.ReconnectAttempts++
		next.LastError = errString(ev.Err, "connect attempt failed")
		if maxAttempts > 0 && next.ReconnectAttempts >= maxAttempts {
			next.Status = StatusDisconnected
		}

	case EventNetworkOffline:
		next.IsOnline = false
		next.Status = StatusOffline

	case EventNetworkOnline:
		next.IsOnline = true
		if s.Status == StatusOffline {
			next = restart(next, now)
		}

	case EventForceReconnect, EventUserRetry:
		if !s.IsOnline {
			return s
		}
		next = restart(next, now)
	}
	return next
}

func restart(s State, now time.Time) State {
	s.Status = StatusReconnecting
	s.ReconnectAttempts = 0
	s.ReconnectStartTime = timePtr(now)
	return s
}

func errString(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}

func timePtr(t time.Time) *time.Time {
	return &t
}
