package contactsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrSyncBusy       = errors.New("sync already in progress")
	ErrDuplicatePhone = errors.New("phone number already exists")
)

// DuplicatePhoneError carries the colliding row so callers can surface it.
type DuplicatePhoneError struct {
	Phone      string
	ExistingID string
}

func (e *DuplicatePhoneError) Error() string {
	return fmt.Sprintf("phone number already exists: %s", e.Phone)
}

func (e *DuplicatePhoneError) Is(target error) bool {
	return target == ErrDuplicatePhone
}

type SyncBusyError struct {
	DeviceID string
}

func (e *SyncBusyError) Error() string {
	return fmt.Sprintf("sync already in progress for device %s", e.DeviceID)
}

func (e *SyncBusyError) Is(target error) bool {
	return target == ErrSyncBusy
}
