package router

// State — состояние цикла роутера.
type State int32

const (
	// Idle: поток ещё не открыт.
	Idle State = iota
	// Streaming: записи читаются из открытого потока.
	Streaming
	// Reconnecting: поток разорван, открывается новый.
	Reconnecting
	// Terminated: цикл завершён.
	Terminated
)

// String возвращает имя состояния для логов.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}
