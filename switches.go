package ccd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// StepStatus is the state of one calibration step in the graph.
type StepStatus int

const (
	Omit StepStatus = iota
	Perform
	Complete
	Skipped
	Ignored
	Dummy
)

var stepStatusNames = map[StepStatus]string{
	Omit:     "OMIT",
	Perform:  "PERFORM",
	Complete: "COMPLETE",
	Skipped:  "SKIPPED",
	Ignored:  "IGNORED",
	Dummy:    "DUMMY",
}

var invStepStatusNames = lo.Invert(stepStatusNames)

func (s StepStatus) String() string {
	name, ok := stepStatusNames[s]
	if !ok {
		return fmt.Sprintf("StepStatus(%d)", int(s))
	}
	return name
}

// ParseStepStatus reads the header spelling of a switch value, accepting
// the legacy alternate spellings some archive products carry.
func ParseStepStatus(value string) (StepStatus, error) {
	spelling := strings.ToUpper(strings.TrimSpace(value))
	if st, ok := invStepStatusNames[spelling]; ok {
		return st, nil
	}
	switch spelling {
	case "COMPLETED", "DONE":
		return Complete, nil
	case "SKIP":
		return Skipped, nil
	case "":
		return Omit, nil
	default:
		return Omit, errors.Join(ErrKeywordMissing, fmt.Errorf("Error unrecognised calibration switch value %q", value))
	}
}

// Step names, spelled as the header keywords spell them.
const (
	StepDQI   = "DQICORR"
	StepAtoD  = "ATODCORR"
	StepBlev  = "BLEVCORR"
	StepBias  = "BIASCORR"
	StepFlash = "FLSHCORR"
	StepDark  = "DARKCORR"
	StepFlat  = "FLATCORR"
	StepShad  = "SHADCORR"
	StepPhot  = "PHOTCORR"
	StepFlux  = "FLUXCORR"
	StepCTE   = "PCTECORR"
	StepSink  = "SINKCORR"
	StepSat   = "SATCORR"
	StepZsig  = "ZSIGCORR"
	StepNlin  = "NLINCORR"
	StepUnit  = "UNITCORR"
	StepCRRej = "CRCORR"
)

// CalSwitches tracks the perform/omit/complete state of every step for one
// exposure. A step only ever moves PERFORM -> {COMPLETE, SKIPPED, IGNORED, DUMMY};
// anything already COMPLETE is self-guarding and re-running the pipeline
// leaves it alone.
type CalSwitches struct {
	steps map[string]StepStatus
}

// NewCalSwitches builds the switch set from the primary header. Steps not
// present in the header stay OMIT.
func NewCalSwitches(h Header, names []string) (*CalSwitches, error) {
	sw := &CalSwitches{steps: make(map[string]StepStatus, len(names))}
	for _, name := range names {
		raw, err := GetKey(h, name, "OMIT", false)
		if err != nil {
			return nil, err
		}
		st, err := ParseStepStatus(raw)
		if err != nil {
			return nil, err
		}
		sw.steps[name] = st
	}
	return sw, nil
}

// Get returns the state of a step; unknown steps are OMIT.
func (sw *CalSwitches) Get(name string) StepStatus {
	return sw.steps[name]
}

// Set records a state transition. Only PERFORM may move to a terminal
// state; any other transition request is rejected so a COMPLETE step can
// never regress.
func (sw *CalSwitches) Set(name string, st StepStatus) error {
	cur, ok := sw.steps[name]
	if !ok {
		sw.steps[name] = st
		return nil
	}
	if cur == st {
		return nil
	}
	if cur != Perform {
		return errors.Join(ErrCalStepNotDone,
			fmt.Errorf("Error step %s cannot move %v -> %v", name, cur, st))
	}
	sw.steps[name] = st
	return nil
}

// AnyEnabled reports whether at least one step is set to PERFORM. A run in
// which nothing is enabled fails with the nothing-to-do status.
func (sw *CalSwitches) AnyEnabled() bool {
	for _, st := range sw.steps {
		if st == Perform {
			return true
		}
	}
	return false
}

// Writeback updates the header switch keywords after a run: performed
// steps read COMPLETE, dummy-reference steps read SKIPPED.
func (sw *CalSwitches) Writeback(h Header) {
	for name, st := range sw.steps {
		switch st {
		case Complete:
			PutKey(h, name, "COMPLETE")
		case Skipped, Dummy:
			PutKey(h, name, "SKIPPED")
		}
	}
}
