// Package stream - WebSocket потоки площадок: одно соединение на (площадка, рынок),
// общие подписки со счётчиком ссылок, повторная подписка после переподключения,
// упорядоченная доставка подписчикам и кэш последних состояний.
package stream

// State - состояние соединения
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribing
	StateStreaming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateStreaming:
		return "STREAMING"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// ValidTransitions - допустимые переходы состояний соединения.
// DISCONNECTED достижимо из любого рабочего состояния (закрытие менеджера).
var ValidTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateReconnecting, StateDisconnected},
	StateConnected:    {StateSubscribing, StateStreaming, StateReconnecting, StateDisconnected},
	StateSubscribing:  {StateStreaming, StateReconnecting, StateDisconnected},
	StateStreaming:    {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnecting, StateDisconnected},
}

// CanTransition проверяет переход по таблице
func CanTransition(from, to State) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
