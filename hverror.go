package hafnium

import (
	"fmt"
	"os"
	"strconv"
)

// Hypervisor error codes. These classify every failure the core can report;
// sentinel values on the hypercall surface are derived from them.
const (
	HV_SUCCESS      uint32 = 0x00000000
	HV_INVALID_ID   uint32 = 0x00000001
	HV_PRECONDITION uint32 = 0x00000002
	HV_BUSY         uint32 = 0x00000003
	HV_NOT_FOUND    uint32 = 0x00000004
	HV_NO_MEMORY    uint32 = 0x00000005
	HV_OUT_OF_RANGE uint32 = 0x00000006
)

// HVError wraps a hypervisor error code.
type HVError struct {
	Code    uint32
	message string // Optional custom message for specific errors
}

func (e HVError) Error() string {
	if e.message != "" {
		return e.message
	}
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// detailedError provides full error context for development
func (e HVError) detailedError() string {
	switch e.Code {
	case HV_SUCCESS:
		return "hf: success"
	case HV_INVALID_ID:
		return "hf: invalid identifier (HV_INVALID_ID) - unknown VM id or VCPU index"
	case HV_PRECONDITION:
		return "hf: precondition violation (HV_PRECONDITION) - check alignment, configuration state and argument values"
	case HV_BUSY:
		return "hf: resource busy (HV_BUSY) - destination mailbox slot is occupied"
	case HV_NOT_FOUND:
		return "hf: not found (HV_NOT_FOUND) - nothing to operate on"
	case HV_NO_MEMORY:
		return "hf: out of memory (HV_NO_MEMORY) - page pool exhausted"
	case HV_OUT_OF_RANGE:
		return "hf: address out of range (HV_OUT_OF_RANGE) - outside the address space or physical memory"
	default:
		return fmt.Sprintf("hf: unknown error code 0x%08x", e.Code)
	}
}

// sanitizedError provides minimal error information for production
func (e HVError) sanitizedError() string {
	switch e.Code {
	case HV_SUCCESS:
		return "hf: success"
	case HV_INVALID_ID:
		return "hf: invalid identifier"
	case HV_PRECONDITION:
		return "hf: precondition violation"
	case HV_BUSY:
		return "hf: resource busy"
	case HV_NOT_FOUND:
		return "hf: not found"
	case HV_NO_MEMORY:
		return "hf: out of memory"
	case HV_OUT_OF_RANGE:
		return "hf: address out of range"
	default:
		return "hf: hypervisor error"
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("HF_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	if debug := os.Getenv("HF_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// Common specific errors for API consumers
var (
	ErrUnknownVM         = &HVError{Code: HV_INVALID_ID, message: "hf: unknown VM id"}
	ErrUnknownVCPU       = &HVError{Code: HV_INVALID_ID, message: "hf: VCPU index out of range"}
	ErrMisaligned        = &HVError{Code: HV_PRECONDITION, message: "hf: address not page-aligned"}
	ErrSamePage          = &HVError{Code: HV_PRECONDITION, message: "hf: send and receive pages must differ"}
	ErrAlreadyConfigured = &HVError{Code: HV_PRECONDITION, message: "hf: mailbox already configured"}
	ErrNotConfigured     = &HVError{Code: HV_PRECONDITION, message: "hf: mailbox not configured"}
	ErrNotMapped         = &HVError{Code: HV_PRECONDITION, message: "hf: address not mapped in the VM's address space"}
	ErrMessageTooLong    = &HVError{Code: HV_PRECONDITION, message: "hf: message larger than one page"}
	ErrMailboxBusy       = &HVError{Code: HV_BUSY, message: "hf: destination mailbox slot occupied"}
	ErrMailboxEmpty      = &HVError{Code: HV_NOT_FOUND, message: "hf: mailbox slot is empty"}
	ErrNoMemory          = &HVError{Code: HV_NO_MEMORY, message: "hf: page pool exhausted"}
	ErrOutOfRange        = &HVError{Code: HV_OUT_OF_RANGE, message: "hf: range outside the address space"}
)
