package tract

// Termination identifies why a streamline-growth attempt stopped advancing in
// one direction. Exactly one reason is assigned per direction.
type Termination int

const (
	TermUndefined Termination = iota
	TermCalibrateFail
	TermExitImage
	TermBadSignal
	TermHighCurvature
	TermMaxLength
	TermExitMask
	TermEnterExclude

	termReasonCount
)

// TermContinue is returned by Method.Next when the step was accepted and
// tracking should continue. It is not a termination reason and is never
// counted.
const TermContinue Termination = -1

func (t Termination) String() string {
	switch t {
	case TermContinue:
		return "continue"
	case TermUndefined:
		return "undefined"
	case TermCalibrateFail:
		return "calibrate_fail"
	case TermExitImage:
		return "exit_image"
	case TermBadSignal:
		return "bad_signal"
	case TermHighCurvature:
		return "high_curvature"
	case TermMaxLength:
		return "max_length"
	case TermExitMask:
		return "exit_mask"
	case TermEnterExclude:
		return "enter_exclude"
	}
	return "unknown"
}

// Rejection identifies why a completed (both-direction) streamline failed
// acceptance.
type Rejection int

const (
	RejectTooShort Rejection = iota
	RejectEnteredExclude
	RejectMissedInclude

	rejectReasonCount
)

func (r Rejection) String() string {
	switch r {
	case RejectTooShort:
		return "too_short"
	case RejectEnteredExclude:
		return "entered_exclude"
	case RejectMissedInclude:
		return "missed_include"
	}
	return "unknown"
}
