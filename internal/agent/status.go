package agent

// Status is the lifecycle state of a worker run. Transitions are driven by
// the loop itself (INIT -> RUNNING -> END / HANG / CALL_USER / ERROR) and by
// external control (PAUSE, USER_STOPPED).
type Status string

const (
	StatusInit        Status = "INIT"
	StatusRunning     Status = "RUNNING"
	StatusPause       Status = "PAUSE"
	StatusHang        Status = "HANG"
	StatusEnd         Status = "END"
	StatusCallUser    Status = "CALL_USER"
	StatusUserStopped Status = "USER_STOPPED"
	StatusError       Status = "ERROR"
)

// Terminal reports whether a run in this status will make no further steps.
func (s Status) Terminal() bool {
	switch s {
	case StatusEnd, StatusCallUser, StatusUserStopped, StatusError:
		return true
	}
	return false
}
