package session

import (
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
)

// restState is a state without a job: Ready, the completed and failed
// results, UserInputRequired and RebootRequired. Completed variants carry the
// updates the job reported, failed variants carry the reason as description.
type restState struct {
	stateBase
	updates []engine.Update
}

func newReadyState() *restState {
	return &restState{stateBase: stateBase{id: StateReady}}
}

func newResultState(id StateID, description string, updates []engine.Update) *restState {
	s := &restState{stateBase: stateBase{id: id, description: description}}
	if len(updates) > 0 {
		s.updates = append([]engine.Update(nil), updates...)
	}
	return s
}

// Updates returns the updates carried by a completed state.
func (s *restState) Updates() []engine.Update { return s.updates }

func (s *restState) enter(State) error { return nil }
func (s *restState) leave() error      { return nil }
func (s *restState) dispose()          {}

// restartState hands a restart request to the operating system when
// entered. Whether the machine actually restarts is not observed.
type restartState struct {
	stateBase
	env engine.Environment
}

func newRestartState(env engine.Environment) *restartState {
	return &restartState{
		stateBase: stateBase{id: StateRestartSentToOS},
		env:       env,
	}
}

func (s *restartState) enter(State) error {
	return engineError("request reboot", s.env.RequestReboot())
}

func (s *restartState) leave() error { return nil }
func (s *restartState) dispose()     {}
