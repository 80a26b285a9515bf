package concurrency

import (
	"sync"
	"time"

	"github.com/chris-alexander-pop/system-design-library/pkg/logger"
)

// MutexConfig names a mutex for diagnostics and optionally enables
// lock-hold-time logging.
type MutexConfig struct {
	Name      string
	DebugMode bool
}

// SmartMutex wraps sync.Mutex with a name and optional hold-time logging,
// used throughout the library in place of a bare sync.Mutex wherever lock
// contention is worth being able to diagnose in production.
type SmartMutex struct {
	mu     sync.Mutex
	config MutexConfig
	locked time.Time
}

func NewSmartMutex(cfg MutexConfig) *SmartMutex {
	return &SmartMutex{config: cfg}
}

func (m *SmartMutex) Lock() {
	m.mu.Lock()
	if m.config.DebugMode {
		m.locked = time.Now()
	}
}

func (m *SmartMutex) Unlock() {
	if m.config.DebugMode && !m.locked.IsZero() {
		held := time.Since(m.locked)
		logger.L().Debug("mutex held", "name", m.config.Name, "duration", held)
		m.locked = time.Time{}
	}
	m.mu.Unlock()
}

// SmartRWMutex is the read-write counterpart of SmartMutex.
type SmartRWMutex struct {
	mu     sync.RWMutex
	config MutexConfig
	locked time.Time
}

func NewSmartRWMutex(cfg MutexConfig) *SmartRWMutex {
	return &SmartRWMutex{config: cfg}
}

func (m *SmartRWMutex) Lock() {
	m.mu.Lock()
	if m.config.DebugMode {
		m.locked = time.Now()
	}
}

func (m *SmartRWMutex) Unlock() {
	if m.config.DebugMode && !m.locked.IsZero() {
		held := time.Since(m.locked)
		logger.L().Debug("rwmutex held (write)", "name", m.config.Name, "duration", held)
		m.locked = time.Time{}
	}
	m.mu.Unlock()
}

func (m *SmartRWMutex) RLock() {
	m.mu.RLock()
}

func (m *SmartRWMutex) RUnlock() {
	m.mu.RUnlock()
}
