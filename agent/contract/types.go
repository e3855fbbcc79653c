package contract

type ToolRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult is what the dialogue layer sees for one tool call. Exactly one
// of Result or ErrorCode is set.
type ToolResult struct {
	Tool      string `json:"tool"`
	Result    any    `json:"result,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (r ToolResult) Failed() bool {
	return r.ErrorCode != ""
}

// Wire error codes. Engine failures keep their kind name; the rest are
// produced by the tool layer itself.
const (
	CodeBadRequest           = "BAD_REQUEST"
	CodeNotFound             = "NOT_FOUND"
	CodeAlreadyReserved      = "ALREADY_RESERVED"
	CodeInsufficientStock    = "INSUFFICIENT_STOCK"
	CodePrescriptionRequired = "PRESCRIPTION_REQUIRED"
	CodeNoReservation        = "NO_RESERVATION"

	CodeUnknownTool     = "UNKNOWN_TOOL"
	CodeBadArgs         = "BAD_ARGS"
	CodeInvalidRating   = "INVALID_RATING"
	CodeNoPrescriptions = "NO_PRESCRIPTIONS"
	CodeNoReservations  = "NO_RESERVATIONS"
	CodeToolError       = "TOOL_ERROR"
)
