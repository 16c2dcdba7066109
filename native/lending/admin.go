package lending

import (
	"github.com/ethereum/go-ethereum/common"

	"miladybank/core/events"
)

// Owner returns the current owner.
func (e *Bank) Owner() (common.Address, error) {
	admin, err := e.loadAdmin()
	if err != nil {
		return common.Address{}, err
	}
	return admin.Owner, nil
}

// Router returns the router authorised to borrow and repay for users.
func (e *Bank) Router() (common.Address, error) {
	admin, err := e.loadAdmin()
	if err != nil {
		return common.Address{}, err
	}
	return admin.Router, nil
}

// Paused reports whether the owner paused the bank.
func (e *Bank) Paused() (bool, error) {
	admin, err := e.loadAdmin()
	if err != nil {
		return false, err
	}
	return admin.Paused, nil
}

func (e *Bank) ownerOnly(sender common.Address) (*AdminState, error) {
	admin, err := e.loadAdmin()
	if err != nil {
		return nil, err
	}
	if sender != admin.Owner {
		return nil, ErrNotAuthorized
	}
	return admin, nil
}

// TransferOwnership hands the bank to newOwner.
func (e *Bank) TransferOwnership(sender, newOwner common.Address) error {
	admin, err := e.ownerOnly(sender)
	if err != nil {
		return err
	}
	if newOwner == (common.Address{}) {
		return ErrZeroAddress
	}
	previous := admin.Owner
	admin.Owner = newOwner
	if err := e.state.PutAdmin(admin); err != nil {
		return err
	}
	e.emit(events.OwnershipTransferred{Source: moduleName, Previous: previous, NewOwner: newOwner})
	return nil
}

// SetRouter authorises router to act on behalf of users.
func (e *Bank) SetRouter(sender, router common.Address) error {
	admin, err := e.ownerOnly(sender)
	if err != nil {
		return err
	}
	if router == (common.Address{}) {
		return ErrZeroAddress
	}
	previous := admin.Router
	admin.Router = router
	if err := e.state.PutAdmin(admin); err != nil {
		return err
	}
	e.emit(events.RouterUpdated{Previous: previous, Router: router})
	return nil
}

// Pause halts every state-changing user operation.
func (e *Bank) Pause(sender common.Address) error {
	return e.setPaused(sender, true)
}

// Unpause resumes user operations.
func (e *Bank) Unpause(sender common.Address) error {
	return e.setPaused(sender, false)
}

func (e *Bank) setPaused(sender common.Address, paused bool) error {
	admin, err := e.ownerOnly(sender)
	if err != nil {
		return err
	}
	switch {
	case paused && admin.Paused:
		return ErrAlreadyPaused
	case !paused && !admin.Paused:
		return ErrNotPaused
	}
	admin.Paused = paused
	if err := e.state.PutAdmin(admin); err != nil {
		return err
	}
	e.emit(events.PauseChanged{Source: moduleName, Account: sender, Paused: paused})
	return nil
}
