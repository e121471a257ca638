package abi

import "fmt"

// Result is a CUresult returned by the CUDA driver API.
type Result int32

const (
	CUDA_SUCCESS                       Result = 0
	CUDA_ERROR_INVALID_VALUE           Result = 1
	CUDA_ERROR_OUT_OF_MEMORY           Result = 2
	CUDA_ERROR_NOT_INITIALIZED         Result = 3
	CUDA_ERROR_DEINITIALIZED           Result = 4
	CUDA_ERROR_NO_DEVICE               Result = 100
	CUDA_ERROR_INVALID_DEVICE          Result = 101
	CUDA_ERROR_INVALID_CONTEXT         Result = 201
	CUDA_ERROR_INVALID_HANDLE          Result = 400
	CUDA_ERROR_NOT_FOUND               Result = 500
	CUDA_ERROR_NOT_READY               Result = 600
	CUDA_ERROR_ILLEGAL_ADDRESS         Result = 700
	CUDA_ERROR_LAUNCH_OUT_OF_RESOURCES Result = 701
	CUDA_ERROR_LAUNCH_FAILED           Result = 719
	CUDA_ERROR_NOT_PERMITTED           Result = 800
	CUDA_ERROR_NOT_SUPPORTED           Result = 801
	CUDA_ERROR_UNKNOWN                 Result = 999
)

var resultNames = map[Result]string{
	CUDA_SUCCESS:                       "CUDA_SUCCESS",
	CUDA_ERROR_INVALID_VALUE:           "CUDA_ERROR_INVALID_VALUE",
	CUDA_ERROR_OUT_OF_MEMORY:           "CUDA_ERROR_OUT_OF_MEMORY",
	CUDA_ERROR_NOT_INITIALIZED:         "CUDA_ERROR_NOT_INITIALIZED",
	CUDA_ERROR_DEINITIALIZED:           "CUDA_ERROR_DEINITIALIZED",
	CUDA_ERROR_NO_DEVICE:               "CUDA_ERROR_NO_DEVICE",
	CUDA_ERROR_INVALID_DEVICE:          "CUDA_ERROR_INVALID_DEVICE",
	CUDA_ERROR_INVALID_CONTEXT:         "CUDA_ERROR_INVALID_CONTEXT",
	CUDA_ERROR_INVALID_HANDLE:          "CUDA_ERROR_INVALID_HANDLE",
	CUDA_ERROR_NOT_FOUND:               "CUDA_ERROR_NOT_FOUND",
	CUDA_ERROR_NOT_READY:               "CUDA_ERROR_NOT_READY",
	CUDA_ERROR_ILLEGAL_ADDRESS:         "CUDA_ERROR_ILLEGAL_ADDRESS",
	CUDA_ERROR_LAUNCH_OUT_OF_RESOURCES: "CUDA_ERROR_LAUNCH_OUT_OF_RESOURCES",
	CUDA_ERROR_LAUNCH_FAILED:           "CUDA_ERROR_LAUNCH_FAILED",
	CUDA_ERROR_NOT_PERMITTED:           "CUDA_ERROR_NOT_PERMITTED",
	CUDA_ERROR_NOT_SUPPORTED:           "CUDA_ERROR_NOT_SUPPORTED",
	CUDA_ERROR_UNKNOWN:                 "CUDA_ERROR_UNKNOWN",
}

// String returns the CUresult name, such as CUDA_ERROR_NOT_FOUND.
func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("CUresult(%d)", int32(r))
}

// CuptiResult is a CUptiResult returned by CUPTI.
type CuptiResult int32

const (
	CUPTI_SUCCESS                 CuptiResult = 0
	CUPTI_ERROR_INVALID_PARAMETER CuptiResult = 1
	CUPTI_ERROR_INVALID_DEVICE    CuptiResult = 2
	CUPTI_ERROR_INVALID_CONTEXT   CuptiResult = 3
	CUPTI_ERROR_NOT_INITIALIZED   CuptiResult = 15
	CUPTI_ERROR_OUT_OF_MEMORY     CuptiResult = 18
	CUPTI_ERROR_NOT_READY         CuptiResult = 24
	CUPTI_ERROR_NOT_SUPPORTED     CuptiResult = 27
	CUPTI_ERROR_INVALID_OPERATION CuptiResult = 31
	CUPTI_ERROR_UNKNOWN           CuptiResult = 999
)

// String returns the CUptiResult name.
func (r CuptiResult) String() string {
	switch r {
	case CUPTI_SUCCESS:
		return "CUPTI_SUCCESS"
	case CUPTI_ERROR_INVALID_PARAMETER:
		return "CUPTI_ERROR_INVALID_PARAMETER"
	case CUPTI_ERROR_INVALID_DEVICE:
		return "CUPTI_ERROR_INVALID_DEVICE"
	case CUPTI_ERROR_INVALID_CONTEXT:
		return "CUPTI_ERROR_INVALID_CONTEXT"
	case CUPTI_ERROR_NOT_INITIALIZED:
		return "CUPTI_ERROR_NOT_INITIALIZED"
	case CUPTI_ERROR_OUT_OF_MEMORY:
		return "CUPTI_ERROR_OUT_OF_MEMORY"
	case CUPTI_ERROR_NOT_READY:
		return "CUPTI_ERROR_NOT_READY"
	case CUPTI_ERROR_NOT_SUPPORTED:
		return "CUPTI_ERROR_NOT_SUPPORTED"
	case CUPTI_ERROR_INVALID_OPERATION:
		return "CUPTI_ERROR_INVALID_OPERATION"
	case CUPTI_ERROR_UNKNOWN:
		return "CUPTI_ERROR_UNKNOWN"
	default:
		return fmt.Sprintf("CUptiResult(%d)", int32(r))
	}
}

// ResultError wraps a failing vendor status code. Message is the vendor's
// own description when one could be obtained.
type ResultError struct {
	Op      string
	Code    int32
	Name    string
	Message string
}

func (e *ResultError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: CUDA Error Code: %d (%s)", e.Op, e.Code, e.Name)
}

// Check converts a CUresult into an error, nil on success.
func Check(op string, r Result) error {
	if r == CUDA_SUCCESS {
		return nil
	}
	return &ResultError{Op: op, Code: int32(r), Name: r.String()}
}

// CheckCupti converts a CUptiResult into an error, nil on success.
func CheckCupti(op string, r CuptiResult) error {
	if r == CUPTI_SUCCESS {
		return nil
	}
	return &ResultError{Op: op, Code: int32(r), Name: r.String()}
}
