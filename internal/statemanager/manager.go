package statemanager

import (
	"sync"
	"time"

	"binance-hedge-bot-go/internal/models"
	"binance-hedge-bot-go/internal/persistence"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	GroupUpdatedEvent EventType = iota
	DecisionRecordedEvent
	AlertRaisedEvent
	StateResetEvent
)

const (
	defaultMaxDecisions = 200
	defaultMaxAlerts    = 100
)

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// StateManager owns the dashboard state. All mutations go through a single
// event loop; readers get deep copies.
type StateManager struct {
	mu              sync.RWMutex
	state           *models.DashboardState
	repo            persistence.StateRepository
	eventChannel    chan NormalizedEvent
	persistenceChan chan *models.DashboardState
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	maxDecisions    int
	maxAlerts       int
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager. initialState may be nil.
func NewStateManager(initialState *models.DashboardState, repo persistence.StateRepository, logger *zap.Logger) *StateManager {
	if initialState == nil {
		initialState = &models.DashboardState{}
	}
	if initialState.Groups == nil {
		initialState.Groups = make(map[string]*models.HedgeGroup)
	}
	return &StateManager{
		state:           initialState,
		repo:            repo,
		eventChannel:    make(chan NormalizedEvent, 1024),
		persistenceChan: make(chan *models.DashboardState, 128),
		stopChan:        make(chan struct{}),
		maxDecisions:    defaultMaxDecisions,
		maxAlerts:       defaultMaxAlerts,
		logger:          logger,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop gracefully shuts down the StateManager.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.logger.Sugar().Info("StateManager stopped.")
	})
}

// DispatchEvent sends an event to the StateManager for processing.
// Events dispatched after Stop are dropped.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
	}
}

// RecordGroup publishes the latest state of a hedge group.
func (sm *StateManager) RecordGroup(g *models.HedgeGroup) {
	sm.DispatchEvent(NormalizedEvent{Type: GroupUpdatedEvent, Timestamp: time.Now(), Data: g.Clone()})
}

// RecordDecision publishes a risk decision.
func (sm *StateManager) RecordDecision(d models.RiskDecision) {
	sm.DispatchEvent(NormalizedEvent{Type: DecisionRecordedEvent, Timestamp: time.Now(), Data: d})
}

// PublishAlert implements alert.Sink.
func (sm *StateManager) PublishAlert(a models.Alert) {
	sm.DispatchEvent(NormalizedEvent{Type: AlertRaisedEvent, Timestamp: time.Now(), Data: a})
}

// GetStateSnapshot returns a deep copy of the current state for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.DashboardState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return deepCopy(sm.state)
}

func deepCopy(s *models.DashboardState) *models.DashboardState {
	if s == nil {
		return nil
	}
	c := *s
	c.Groups = make(map[string]*models.HedgeGroup, len(s.Groups))
	for k, g := range s.Groups {
		c.Groups[k] = g.Clone()
	}
	c.Decisions = make([]models.RiskDecision, len(s.Decisions))
	for i, d := range s.Decisions {
		c.Decisions[i] = d
		c.Decisions[i].Reasons = append([]models.BlockReason{}, d.Reasons...)
	}
	c.Alerts = append([]models.Alert(nil), s.Alerts...)
	return &c
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			return
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case stateToSave := <-sm.persistenceChan:
			if sm.repo != nil {
				if err := sm.repo.SaveState(stateToSave); err != nil {
					sm.logger.Sugar().Errorf("CRITICAL: Failed to save dashboard state: %v", err)
				}
			}
		case <-sm.stopChan:
			return
		}
	}
}

// processEvent contains the logic to mutate the state based on an event.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	sm.mu.Lock()
	switch event.Type {
	case GroupUpdatedEvent:
		if g, ok := event.Data.(*models.HedgeGroup); ok && g != nil {
			sm.state.Groups[g.Symbol] = g
		} else {
			sm.logger.Sugar().Warnf("Received GroupUpdatedEvent with unexpected data type: %T", event.Data)
		}
	case DecisionRecordedEvent:
		if d, ok := event.Data.(models.RiskDecision); ok {
			sm.state.Decisions = appendBounded(sm.state.Decisions, d, sm.maxDecisions)
		} else {
			sm.logger.Sugar().Warnf("Received DecisionRecordedEvent with unexpected data type: %T", event.Data)
		}
	case AlertRaisedEvent:
		if a, ok := event.Data.(models.Alert); ok {
			sm.state.Alerts = appendBounded(sm.state.Alerts, a, sm.maxAlerts)
		} else {
			sm.logger.Sugar().Warnf("Received AlertRaisedEvent with unexpected data type: %T", event.Data)
		}
	case StateResetEvent:
		if newState, ok := event.Data.(*models.DashboardState); ok && newState != nil {
			if newState.Groups == nil {
				newState.Groups = make(map[string]*models.HedgeGroup)
			}
			sm.state = newState
			sm.logger.Sugar().Info("Dashboard state has been reset.")
		} else {
			sm.logger.Sugar().Warnf("Received StateResetEvent with unexpected data type: %T", event.Data)
		}
	}
	sm.state.LastUpdateTime = event.Timestamp
	stateCopy := deepCopy(sm.state)
	sm.mu.Unlock()

	// After processing, send a deep copy of the new state to the persistence channel.
	select {
	case sm.persistenceChan <- stateCopy:
	case <-sm.stopChan:
	}
}

// appendBounded keeps only the newest max entries.
func appendBounded[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if max > 0 && len(s) > max {
		s = append([]T(nil), s[len(s)-max:]...)
	}
	return s
}
