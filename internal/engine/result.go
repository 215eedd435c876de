package engine

// ResultCode is the engine's operation outcome, numbered as the Windows
// Update Agent's OperationResultCode.
type ResultCode int

const (
	ResultNotStarted          ResultCode = 0
	ResultInProgress          ResultCode = 1
	ResultSucceeded           ResultCode = 2
	ResultSucceededWithErrors ResultCode = 3
	ResultFailed              ResultCode = 4
	ResultAborted             ResultCode = 5
)

func (c ResultCode) String() string {
	switch c {
	case ResultNotStarted:
		return "NotStarted"
	case ResultInProgress:
		return "InProgress"
	case ResultSucceeded:
		return "Succeeded"
	case ResultSucceededWithErrors:
		return "SucceededWithErrors"
	case ResultFailed:
		return "Failed"
	case ResultAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Succeeded reports a full or partial success.
func (c ResultCode) Succeeded() bool {
	return c == ResultSucceeded || c == ResultSucceededWithErrors
}
