package domain

import (
	"strings"
	"time"
)

// AgentState — состояние жизненного цикла агента в Control Plane
type AgentState string

const (
	StateRunning    AgentState = "RUNNING"
	StateStopped    AgentState = "STOPPED"
	StateTerminated AgentState = "TERMINATED" // Поглощающее состояние
)

// Signal — управляющий сигнал по аналогии с сигналами процессов
type Signal string

const (
	SIGKILL Signal = "SIGKILL"
	SIGSTOP Signal = "SIGSTOP"
	SIGCONT Signal = "SIGCONT"
	SIGINT  Signal = "SIGINT"
	SIGTERM Signal = "SIGTERM"
	SIGUSR1 Signal = "SIGUSR1"
	SIGUSR2 Signal = "SIGUSR2"
)

// SignalSpec — строка таблицы сигналов. Перехватываемость фиксирована и не меняется в рантайме.
type SignalSpec struct {
	Catchable bool
	// Target — состояние после доставки; пусто, если у сигнала нет встроенного эффекта
	Target AgentState
}

// SignalTable — единственный источник правды о семантике сигналов
var SignalTable = map[Signal]SignalSpec{
	SIGKILL: {Catchable: false, Target: StateTerminated},
	SIGSTOP: {Catchable: false, Target: StateStopped},
	SIGCONT: {Catchable: false, Target: StateRunning},
	SIGINT:  {Catchable: true, Target: StateStopped},
	SIGTERM: {Catchable: true, Target: StateTerminated},
	SIGUSR1: {Catchable: true},
	SIGUSR2: {Catchable: true},
}

// ParseSignal принимает "SIGKILL", "sigkill" и короткую форму "KILL"
func ParseSignal(name string) (Signal, bool) {
	s := Signal(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := SignalTable[s]; ok {
		return s, true
	}
	s = "SIG" + s
	if _, ok := SignalTable[s]; ok {
		return s, true
	}
	return "", false
}

// Agent — снимок состояния агента для операторского API
type Agent struct {
	ID        string     `json:"id"`
	State     AgentState `json:"state"`
	CallCount int        `json:"call_count"`
	UpdatedAt time.Time  `json:"updated_at"`
}
