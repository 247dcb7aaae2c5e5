package ccd

import (
	"errors"
)

// Sentinel errors for the calibration core. Each maps onto the numeric
// status taxonomy the archive tooling consumes as process exit codes;
// the codes are part of the external contract and must not drift.
var ErrReturn = errors.New("Error generic calibration failure")
var ErrOutOfMemory = errors.New("Error allocation failed")
var ErrOpenFailed = errors.New("Error opening file")
var ErrCalFileMissing = errors.New("Error required calibration reference file missing")
var ErrNothingToDo = errors.New("Error no calibration step enabled")
var ErrKeywordMissing = errors.New("Error mandatory header keyword absent")
var ErrHeaderProblem = errors.New("Error header write or update failed")
var ErrSizeMismatch = errors.New("Error science and reference shapes disagree")
var ErrCalStepNotDone = errors.New("Error prerequisite calibration step not complete")
var ErrTableError = errors.New("Error reading reference table")
var ErrColumnNotFound = errors.New("Error required reference table column absent")
var ErrRowNotFound = errors.New("Error no reference table row matched selection")
var ErrNoGoodData = errors.New("Error all pixels flagged in region")
var ErrInvalidExptime = errors.New("Error exposure time is invalid")
var ErrBinSize = errors.New("Error bin size must be 1, 2, or 3")

// Exit codes, fixed numeric contract.
const (
	ExitOK             = 0
	ExitErrorReturn    = 2
	ExitOutOfMemory    = 111
	ExitOpenFailed     = 114
	ExitCalFileMissing = 115
	ExitNothingToDo    = 116
	ExitKeywordMissing = 117
	ExitHeaderProblem  = 119
	ExitSizeMismatch   = 120
	ExitCalStepNotDone = 130
	ExitTableError     = 141
	ExitColumnNotFound = 142
	ExitRowNotFound    = 144
	ExitNoGoodData     = 151
)

// StatusCode maps an error chain onto the numeric exit code taxonomy.
// Unrecognised errors fall through to the generic failure code, and a nil
// error is success.
func StatusCode(err error) int {
	if err == nil {
		return ExitOK
	}

	codes := []struct {
		sentinel error
		code     int
	}{
		{ErrOutOfMemory, ExitOutOfMemory},
		{ErrOpenFailed, ExitOpenFailed},
		{ErrCalFileMissing, ExitCalFileMissing},
		{ErrNothingToDo, ExitNothingToDo},
		{ErrKeywordMissing, ExitKeywordMissing},
		{ErrHeaderProblem, ExitHeaderProblem},
		{ErrSizeMismatch, ExitSizeMismatch},
		{ErrCalStepNotDone, ExitCalStepNotDone},
		{ErrColumnNotFound, ExitColumnNotFound},
		{ErrRowNotFound, ExitRowNotFound},
		{ErrTableError, ExitTableError},
		{ErrNoGoodData, ExitNoGoodData},
	}

	for _, c := range codes {
		if errors.Is(err, c.sentinel) {
			return c.code
		}
	}

	return ExitErrorReturn
}
