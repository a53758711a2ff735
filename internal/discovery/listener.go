package discovery

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelfleet/agent-discovery/internal/coordination"
)

// ConnListener bridges coordination connection-state transitions into
// pause/resume control of the watcher and updater. SUSPENDED is a
// recoverable blip and changes nothing; LOST pauses both loops until a
// reconnect, which triggers one re-registration pass and then resumes
// polling after resumeDelay.
type ConnListener struct {
	watcher     *Watcher
	updater     *Updater
	resumeDelay time.Duration

	mu      sync.Mutex
	hasLost bool
}

func NewConnListener(watcher *Watcher, updater *Updater, resumeDelay time.Duration) *ConnListener {
	return &ConnListener{
		watcher:     watcher,
		updater:     updater,
		resumeDelay: resumeDelay,
	}
}

func (l *ConnListener) OnState(state coordination.State) {
	switch state {
	case coordination.StateLost:
		log.Warn().Msg("coordination session lost, ephemeral nodes must be recreated on reconnect")
		l.mu.Lock()
		l.hasLost = true
		l.mu.Unlock()
		l.watcher.PausePoll()
		l.updater.PauseUpdates()

	case coordination.StateSuspended:
		// Transient; the session may still recover with all nodes
		// intact.

	case coordination.StateConnected:
		l.mu.Lock()
		lost := l.hasLost
		l.hasLost = false
		l.mu.Unlock()
		if !lost {
			return
		}
		log.Info().Msg("reconnected after session loss, restarting updater and watcher")
		l.updater.ArmReregister()
		// Give the reconnect loop time to re-create the nodes before
		// the watcher polls the tree again.
		time.Sleep(l.resumeDelay)
		l.watcher.ResumePoll()
	}
}
